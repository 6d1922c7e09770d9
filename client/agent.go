package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/transport/channel"
)

// Agent keeps a locally running session in lockstep with the authoritative
// one. Every io event the local logic raises is answered either from local
// knowledge (this player acts) or by consuming exactly one message from the
// channel (another player acted, or the server resolved the event). The
// pairing is strict: both sides raise the same events in the same order, so
// any mismatch means the mirror has diverged and the session must die.
type Agent struct {
	player  event.PlayerID
	ch      *channel.Channel
	input   InputSource
	onState func(json.RawMessage)
}

// NewAgent builds the lockstep handler for one player. input may be nil when
// the game never asks this player to act; onState may be nil.
func NewAgent(player event.PlayerID, ch *channel.Channel, input InputSource, onState func(json.RawMessage)) *Agent {
	return &Agent{player: player, ch: ch, input: input, onState: onState}
}

func (a *Agent) State(state json.RawMessage) error {
	if a.onState != nil {
		a.onState(state)
	}
	return nil
}

func (a *Agent) DoTaskIf(ctx context.Context, allowed []event.PlayerID) (event.TaskResult, error) {
	if containsPlayer(allowed, a.player) {
		return event.NewDoTask(), nil
	}
	var res event.TaskResult
	if err := a.receive(ctx, &res); err != nil {
		return event.TaskResult{}, err
	}
	if res.Kind == event.TaskDoTask {
		return event.TaskResult{}, errors.New("client: server granted a task this player is not allowed to run")
	}
	return res, nil
}

func (a *Agent) TaskDone(ctx context.Context, targets []event.PlayerID, value json.RawMessage) error {
	var res event.TaskResult
	if err := a.receive(ctx, &res); err != nil {
		return err
	}
	if res.Kind != event.TaskDoTask {
		return fmt.Errorf("client: expected task confirmation, got %q", res.Kind)
	}
	return nil
}

func (a *Agent) Random(ctx context.Context, start, end int32) (int32, error) {
	var v int32
	if err := a.receive(ctx, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (a *Agent) Action(ctx context.Context, from event.PlayerID, param json.RawMessage) (json.RawMessage, error) {
	if from == a.player {
		if a.input == nil {
			return nil, errors.New("client: game asked this player to act but no input source is set")
		}
		act, err := a.input.NextAction(ctx, param)
		if err != nil {
			return nil, fmt.Errorf("client: read action: %w", err)
		}
		if err := a.ch.Send(ctx, act); err != nil {
			return nil, err
		}
		return act, nil
	}
	var act json.RawMessage
	if err := a.receive(ctx, &act); err != nil {
		return nil, err
	}
	return act, nil
}

// receive consumes one message and decodes it into v. A server error event
// arriving in place of the expected payload is surfaced as *ServerError.
func (a *Agent) receive(ctx context.Context, v any) error {
	raw, err := a.ch.Receive(ctx)
	if err != nil {
		return err
	}
	if msg, ok := serverError(raw); ok {
		return &ServerError{Message: msg}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("client: decode server message: %w", err)
	}
	return nil
}

func containsPlayer(players []event.PlayerID, p event.PlayerID) bool {
	for _, candidate := range players {
		if candidate == p {
			return true
		}
	}
	return false
}
