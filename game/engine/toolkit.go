package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rulewire/rulewire/game/broker"
	"github.com/rulewire/rulewire/game/event"
)

// logicFault carries a broker or protocol failure up the logic goroutine's
// stack. It is recovered in runLogic; game code never sees it.
type logicFault struct {
	err error
}

// Toolkit is the game logic's window to the session. Its operations block
// until the host answers; faults unwind the logic goroutine rather than
// returning errors, keeping game code free of transport plumbing.
type Toolkit struct {
	broker     *broker.Broker
	room       event.RoomInfo
	printState bool
	config     Config
	log        zerolog.Logger
}

// Room returns the room the session was started with.
func (tk *Toolkit) Room() event.RoomInfo { return tk.room }

// Random draws a value in [start, end] supplied by the host. The bounds must
// be ordered; inverted bounds are a bug in game logic and panic.
func (tk *Toolkit) Random(start, end int32) int32 {
	if start > end {
		panic(fmt.Sprintf("engine: random bounds inverted: %d > %d", start, end))
	}
	raw := tk.trigger(event.NewRandom(start, end))
	var v int32
	tk.decode(raw, &v)
	return v
}

// Logf emits a log line from game logic when the runtime enables it.
func (tk *Toolkit) Logf(format string, args ...any) {
	if tk.config.EnableLogging {
		tk.log.Debug().Msgf(format, args...)
	}
}

func (tk *Toolkit) trigger(ev event.Event) json.RawMessage {
	raw, err := tk.broker.TriggerIO(ev)
	if err != nil {
		panic(&logicFault{err: err})
	}
	return raw
}

func (tk *Toolkit) decode(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		panic(&logicFault{err: fmt.Errorf("engine: decode resumption value: %w", err)})
	}
}

func (tk *Toolkit) encode(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(&logicFault{err: fmt.Errorf("engine: marshal io value: %w", err)})
	}
	return raw
}

// DoIf runs f only where the host grants the task. On doTask it runs f,
// reports completion with an empty fan-out, and returns (value, true). On
// restricted it returns (zero, false): some other instance ran the task and
// this one may not observe the result.
func DoIf[T any](tk *Toolkit, targets []event.PlayerID, f func() T) (T, bool) {
	var zero T
	raw := tk.trigger(event.NewDoTaskIf(targets))
	var res event.TaskResult
	tk.decode(raw, &res)

	switch res.Kind {
	case event.TaskDoTask:
		v := f()
		tk.trigger(event.NewTaskDone(nil, nil))
		return v, true
	case event.TaskRestricted:
		return zero, false
	default:
		panic(&logicFault{err: fmt.Errorf("engine: unexpected task result %q answering doTaskIf", res.Kind)})
	}
}

// DoIfAdmin runs f with an empty allowed set, so only the authoritative
// session instance executes it and nobody observes the result.
func DoIfAdmin[T any](tk *Toolkit, f func() T) (T, bool) {
	return DoIf(tk, nil, f)
}

// SyncAdminIf runs f on the authoritative instance and fans the result out to
// targets. Instances in targets receive the value as a syncResult and return
// (value, true) without running f; everyone else gets (zero, false).
func SyncAdminIf[T any](tk *Toolkit, targets []event.PlayerID, f func() T) (T, bool) {
	var zero T
	raw := tk.trigger(event.NewDoTaskIf(nil))
	var res event.TaskResult
	tk.decode(raw, &res)

	switch res.Kind {
	case event.TaskDoTask:
		v := f()
		tk.trigger(event.NewTaskDone(targets, tk.encode(v)))
		return v, true
	case event.TaskSyncResult:
		var v T
		tk.decode(res.Value, &v)
		return v, true
	case event.TaskRestricted:
		return zero, false
	default:
		panic(&logicFault{err: fmt.Errorf("engine: unexpected task result %q answering doTaskIf", res.Kind)})
	}
}

// Action asks the host for from's next action payload and decodes it as I.
// param describes the expected action to whoever supplies it.
func Action[I any](tk *Toolkit, from event.PlayerID, param any) I {
	raw := tk.trigger(event.NewAction(from, tk.encode(param)))
	var v I
	tk.decode(raw, &v)
	return v
}

// Store holds one session's serializable state. Creating it publishes the
// initial snapshot unconditionally; later writes publish only when the
// session was started with printState.
type Store[T any] struct {
	tk    *Toolkit
	value T
}

// NewStore creates a store seeded with initial and publishes the first
// updateState event.
func NewStore[T any](tk *Toolkit, initial T) *Store[T] {
	s := &Store[T]{tk: tk, value: initial}
	s.publish()
	return s
}

// Get returns the current value.
func (s *Store[T]) Get() T { return s.value }

// Set replaces the value.
func (s *Store[T]) Set(v T) {
	s.value = v
	if s.tk.printState {
		s.publish()
	}
}

// Mutate edits the value in place.
func (s *Store[T]) Mutate(f func(*T)) {
	f(&s.value)
	if s.tk.printState {
		s.publish()
	}
}

func (s *Store[T]) publish() {
	s.tk.trigger(event.NewUpdateState(s.tk.encode(s.value)))
}
