package main

import (
	"encoding/json"

	"github.com/rulewire/rulewire/game/games/guessing"
)

// bisector picks guesses by halving the remaining candidate range. Every
// published state carries the full turn history, so the bounds tighten on
// every participant's failed guesses, not just this bot's own. The mirror
// invokes onState and the input source from the same dispatch goroutine,
// which keeps the fields safe without locking.
type bisector struct {
	lo int32
	hi int32
}

func newBisector(lo, hi int32) *bisector {
	return &bisector{lo: lo, hi: hi}
}

// next returns the midpoint of the remaining range. Feedback can cross the
// bounds when the real target sits outside the range the bot was told about;
// guessing the floor then degrades to a linear scan instead of stalling.
func (b *bisector) next() int32 {
	if b.lo > b.hi {
		return b.lo
	}
	return b.lo + (b.hi-b.lo)/2
}

// observe re-derives the bounds from the turn history. Each result is an
// absolute fact about the target, so replaying the whole history is
// idempotent.
func (b *bisector) observe(state guessing.State) {
	for _, turn := range state.Turns {
		switch turn.Result {
		case guessing.OrderingGreater:
			if turn.Guess+1 > b.lo {
				b.lo = turn.Guess + 1
			}
		case guessing.OrderingLess:
			if turn.Guess-1 < b.hi {
				b.hi = turn.Guess - 1
			}
		}
	}
}

// onState feeds a raw state snapshot into the bounds. Snapshots that do not
// decode are skipped; the next one replays the full history anyway.
func (b *bisector) onState(raw json.RawMessage) {
	var state guessing.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return
	}
	b.observe(state)
}
