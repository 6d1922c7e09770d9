// Package guessing implements the number guessing game: the session draws a
// secret target, participants take turns guessing, and everyone is told
// whether the target is less than, equal to, or greater than each guess.
package guessing

import (
	"errors"

	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
)

// Phase names the stages a game moves through.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseTurnStart Phase = "turnStart"
	PhaseGuessing  Phase = "guessing"
	PhaseFailed    Phase = "failed"
	PhaseDone      Phase = "done"
)

// Ordering is the three-way comparison of the target against a guess.
type Ordering string

const (
	OrderingLess    Ordering = "less"
	OrderingEqual   Ordering = "equal"
	OrderingGreater Ordering = "greater"
)

// Turn records one finished guess.
type Turn struct {
	Player event.PlayerID `json:"player"`
	Guess  int32          `json:"guess"`
	Result Ordering       `json:"result"`
}

// State is the published game state.
type State struct {
	Phase  Phase          `json:"phase"`
	Turn   event.PlayerID `json:"turn,omitempty"`
	Guess  *int32         `json:"guess,omitempty"`
	Result Ordering       `json:"result,omitempty"`
	Winner event.PlayerID `json:"winner,omitempty"`
	Turns  []Turn         `json:"turns"`
}

// Game returns the guessing game logic with the target drawn from
// [min, max].
func Game(min, max int32) engine.GameFunc {
	return func(tk *engine.Toolkit) error {
		players := tk.Room().Players
		store := engine.NewStore(tk, State{Phase: PhaseInit, Turns: []Turn{}})

		// Only the authoritative instance knows the target; mirrors carry a
		// zero placeholder they never read.
		target, _ := engine.DoIfAdmin(tk, func() int32 {
			return tk.Random(min, max)
		})

		if len(players) == 0 {
			return nil
		}

		turns := []Turn{}
		for i := 0; ; i++ {
			turn := players[i%len(players)]
			store.Set(State{Phase: PhaseTurnStart, Turn: turn, Turns: turns})

			guess := engine.Action[int32](tk, turn, "guess")
			store.Set(State{Phase: PhaseGuessing, Turn: turn, Guess: &guess, Turns: turns})

			result, ok := engine.SyncAdminIf(tk, players, func() Ordering {
				return compare(target, guess)
			})
			if !ok {
				return errors.New("guessing: comparison result not received")
			}

			turns = append(turns, Turn{Player: turn, Guess: guess, Result: result})

			if result == OrderingEqual {
				store.Set(State{Phase: PhaseDone, Winner: turn, Turns: turns})
				return nil
			}

			store.Set(State{Phase: PhaseFailed, Turn: turn, Guess: &guess, Result: result, Turns: turns})
			tk.Logf("player %s guessed %d but failed: %s", turn, guess, result)
		}
	}
}

func compare(target, guess int32) Ordering {
	switch {
	case target < guess:
		return OrderingLess
	case target > guess:
		return OrderingGreater
	default:
		return OrderingEqual
	}
}
