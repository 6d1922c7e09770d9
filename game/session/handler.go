package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/transport/channel"
)

// roomHandler answers a running session's IO events by routing them to
// participant channels under the room's visibility stack. All methods run on
// the session's host goroutine, so the stack needs no locking.
type roomHandler struct {
	router *Router
	room   *Room
	order  []event.PlayerID
	chans  map[event.PlayerID]*channel.Channel

	visibility [][]event.PlayerID
}

// scope is the set of participants allowed to observe the current event: the
// top visibility frame, or everyone when no task is open.
func (h *roomHandler) scope() []event.PlayerID {
	if n := len(h.visibility); n > 0 {
		return h.visibility[n-1]
	}
	return h.order
}

func (h *roomHandler) channelFor(player event.PlayerID) (*channel.Channel, error) {
	ch, ok := h.chans[player]
	if !ok {
		return nil, fmt.Errorf("session: game tried to reach unknown player channel %q", player)
	}
	return ch, nil
}

// State records the snapshot on the room and forwards it to the observer
// hub. Participant channels never carry state.
func (h *roomHandler) State(state json.RawMessage) error {
	h.room.setState(state)
	h.router.observeState(h.room.id, state)
	return nil
}

// DoTaskIf narrows visibility to allowed. The authoritative session always
// executes the task itself, so the answer is doTask; participants learn their
// own answer from the taskDone fan-out.
func (h *roomHandler) DoTaskIf(ctx context.Context, allowed []event.PlayerID) (event.TaskResult, error) {
	scope := h.scope()
	for _, p := range allowed {
		if !containsPlayer(scope, p) {
			return event.TaskResult{}, errors.New("session: game tries to extend visibility")
		}
	}
	h.visibility = append(h.visibility, allowed)
	return event.NewDoTask(), nil
}

// TaskDone pops the open task frame and tells every participant in the
// surrounding scope how the task ended: participants in the popped frame ran
// it themselves, participants in targets get the value, everyone else only
// learns that it happened.
func (h *roomHandler) TaskDone(ctx context.Context, targets []event.PlayerID, value json.RawMessage) error {
	if len(h.visibility) == 0 {
		return errors.New("session: game requested taskDone event without previous doTaskIf")
	}
	frame := h.visibility[len(h.visibility)-1]
	h.visibility = h.visibility[:len(h.visibility)-1]

	// Plain group: a dead participant must not cancel the sends still in
	// flight to healthy ones.
	var g errgroup.Group
	for _, player := range h.scope() {
		ch, err := h.channelFor(player)
		if err != nil {
			return err
		}

		var res event.TaskResult
		switch {
		case containsPlayer(frame, player):
			res = event.NewDoTask()
		case containsPlayer(targets, player):
			res = event.NewSyncResult(value)
		default:
			res = event.NewRestricted()
		}
		g.Go(func() error {
			return ch.Send(ctx, res)
		})
	}
	return g.Wait()
}

// Random draws host-side and fans the value out to the current scope only; a
// draw inside an admin frame stays server-side.
func (h *roomHandler) Random(ctx context.Context, start, end int32) (int32, error) {
	v := h.router.randInt(start, end)

	var g errgroup.Group
	for _, player := range h.scope() {
		ch, err := h.channelFor(player)
		if err != nil {
			return 0, err
		}
		g.Go(func() error {
			return ch.Send(ctx, v)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return v, nil
}

// Action consumes the acting participant's next channel message and
// rebroadcasts it verbatim to the rest of the scope.
func (h *roomHandler) Action(ctx context.Context, from event.PlayerID, param json.RawMessage) (json.RawMessage, error) {
	src, err := h.channelFor(from)
	if err != nil {
		return nil, err
	}
	value, err := src.Receive(ctx)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, player := range h.scope() {
		if player == from {
			continue
		}
		ch, err := h.channelFor(player)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			return ch.Send(ctx, value)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return value, nil
}

func containsPlayer(players []event.PlayerID, p event.PlayerID) bool {
	for _, candidate := range players {
		if candidate == p {
			return true
		}
	}
	return false
}
