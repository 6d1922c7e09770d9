package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rulewire/rulewire/game/broker"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/metrics"
)

// State is a session's lifecycle phase. Ended and Errored are terminal.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateEnded    State = "ended"
	StateErrored  State = "errored"
)

// FaultError reports a condition that forced a session into the Errored
// state: a game-reported error, a handler failure, a broken answer, or a
// broker fault.
type FaultError struct {
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %v", e.Reason, e.Err)
	}
	return "engine: " + e.Reason
}

func (e *FaultError) Unwrap() error { return e.Err }

// OutputHandler is the host-side seam a session dispatches its IO events
// through. Implementations decide visibility and transport; the engine only
// validates the answers.
type OutputHandler interface {
	// State receives each published state snapshot. Never called unless the
	// runtime was configured with EnableState.
	State(state json.RawMessage) error
	// DoTaskIf answers a doTaskIf suspension point.
	DoTaskIf(ctx context.Context, allowed []event.PlayerID) (event.TaskResult, error)
	// TaskDone observes a finished task and its fan-out targets.
	TaskDone(ctx context.Context, targets []event.PlayerID, value json.RawMessage) error
	// Random supplies the draw for a random suspension point. The engine
	// rejects draws outside [start, end].
	Random(ctx context.Context, start, end int32) (int32, error)
	// Action supplies the acting participant's payload, answered verbatim.
	Action(ctx context.Context, from event.PlayerID, param json.RawMessage) (json.RawMessage, error)
}

// Session is one run of a registered game. Start may be called once.
type Session struct {
	game   string
	logic  GameFunc
	config Config
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

// Game returns the key the session was created from.
func (s *Session) Game() string { return s.game }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start runs the game logic on its own goroutine and drives the host loop
// until the session ends. inputCap bounds serialized resumption values
// (zero means broker.DefaultInputCapacity); printState controls whether
// state stores publish snapshots beyond their initial one. Start never
// returns while the logic goroutine is still running; a nil return means the
// session reached Ended.
func (s *Session) Start(ctx context.Context, inputCap int, printState bool, room event.RoomInfo, handler OutputHandler) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("engine: session already started, state %s", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.log.Info().Int("players", len(room.Players)).Msg("session starting")
	metrics.SessionsStartedTotal.Inc()

	b := broker.New(inputCap)
	logicDone := make(chan error, 1)
	go func() {
		err := s.runLogic(b, printState)
		// Release the host loop: once logic is gone there is nothing left
		// to answer, and serve must not block in Next forever.
		b.Shutdown(err)
		logicDone <- err
	}()

	serveErr := s.serve(ctx, b, room, handler)
	// Release the logic side if it is still parked in the broker.
	b.Shutdown(serveErr)
	logicErr := <-logicDone

	switch {
	case serveErr != nil:
		s.setState(StateErrored)
		s.log.Error().Err(serveErr).Msg("session errored")
		metrics.IncSessionEnded("errored")
		return serveErr
	case logicErr != nil:
		s.setState(StateErrored)
		s.log.Error().Err(logicErr).Msg("session errored")
		metrics.IncSessionEnded("errored")
		return logicErr
	default:
		s.setState(StateEnded)
		s.log.Info().Msg("session ended")
		metrics.IncSessionEnded("ended")
		return nil
	}
}

// serve answers broker calls until the session ends or faults. Exactly one
// of resume/abort finishes every consumed call, so the logic side never
// hangs on a half-handled event.
func (s *Session) serve(ctx context.Context, b *broker.Broker, room event.RoomInfo, handler OutputHandler) error {
	for {
		call, err := b.Next(ctx)
		if err != nil {
			return &FaultError{Reason: "await io event", Err: err}
		}

		ev := call.Event
		switch ev.Kind {
		case event.KindSessionStart:
			raw, err := json.Marshal(room)
			if err != nil {
				return s.abort(call, &FaultError{Reason: "marshal room info", Err: err})
			}
			if err := call.ResumeRaw(raw); err != nil {
				return &FaultError{Reason: "resume sessionStart", Err: err}
			}
			s.setState(StateRunning)

		case event.KindUpdateState:
			if s.config.EnableState {
				if err := handler.State(ev.State); err != nil {
					return s.abort(call, &FaultError{Reason: "dispatch updateState", Err: err})
				}
			}
			if err := call.Resume(nil); err != nil {
				return &FaultError{Reason: "resume updateState", Err: err}
			}

		case event.KindDoTaskIf:
			res, err := handler.DoTaskIf(ctx, ev.Allowed)
			if err != nil {
				return s.abort(call, &FaultError{Reason: "dispatch doTaskIf", Err: err})
			}
			if err := call.Resume(res); err != nil {
				return &FaultError{Reason: "resume doTaskIf", Err: err}
			}

		case event.KindTaskDone:
			if err := handler.TaskDone(ctx, ev.Targets, ev.Value); err != nil {
				return s.abort(call, &FaultError{Reason: "dispatch taskDone", Err: err})
			}
			if err := call.Resume(nil); err != nil {
				return &FaultError{Reason: "resume taskDone", Err: err}
			}

		case event.KindRandom:
			v, err := handler.Random(ctx, ev.Start, ev.End)
			if err != nil {
				return s.abort(call, &FaultError{Reason: "dispatch random", Err: err})
			}
			if v < ev.Start || v > ev.End {
				return s.abort(call, &FaultError{
					Reason: fmt.Sprintf("random draw %d outside range %d..%d", v, ev.Start, ev.End),
				})
			}
			if err := call.Resume(v); err != nil {
				return &FaultError{Reason: "resume random", Err: err}
			}

		case event.KindAction:
			raw, err := handler.Action(ctx, ev.From, ev.Param)
			if err != nil {
				return s.abort(call, &FaultError{Reason: "dispatch action", Err: err})
			}
			if err := call.ResumeRaw(raw); err != nil {
				return &FaultError{Reason: "resume action", Err: err}
			}

		case event.KindError:
			return s.abort(call, &FaultError{Reason: "game logic error: " + ev.Message})

		case event.KindSessionEnd:
			if err := call.Resume(nil); err != nil {
				return &FaultError{Reason: "resume sessionEnd", Err: err}
			}
			return nil

		default:
			return s.abort(call, &FaultError{Reason: fmt.Sprintf("unhandled io event %q", ev.Kind)})
		}
	}
}

func (s *Session) abort(call *broker.Call, fault *FaultError) error {
	call.Abort(fault)
	return fault
}

// runLogic wraps the game function: it opens the session with sessionStart,
// builds the toolkit, and converts every way logic can end (return, error,
// panic, broker fault) into a single error value.
func (s *Session) runLogic(b *broker.Broker, printState bool) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if lf, ok := r.(*logicFault); ok {
			err = lf.err
			return
		}
		// A panic in game code is reported to the host as an error event so
		// attached participants hear about it before teardown.
		msg := fmt.Sprintf("%v", r)
		_, _ = b.TriggerIO(event.NewError(msg))
		err = fmt.Errorf("engine: game panic: %s", msg)
	}()

	raw, err := b.TriggerIO(event.NewSessionStart())
	if err != nil {
		return err
	}
	var room event.RoomInfo
	if err := json.Unmarshal(raw, &room); err != nil {
		return fmt.Errorf("engine: decode room info: %w", err)
	}

	tk := &Toolkit{
		broker:     b,
		room:       room,
		printState: printState,
		config:     s.config,
		log:        s.log,
	}
	if gameErr := s.logic(tk); gameErr != nil {
		_, _ = b.TriggerIO(event.NewError(gameErr.Error()))
		return gameErr
	}

	if _, err := b.TriggerIO(event.NewSessionEnd()); err != nil {
		return err
	}
	return nil
}
