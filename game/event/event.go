// Package event defines the shared vocabulary of the session protocol: the
// participant identity space, the IO events a session emits at its suspension
// points, and the task results that answer them. Everything here is designed
// around one JSON shape, the adjacently tagged union {"type":<kind>,"data":
// <payload>}, which both sides of a channel speak.
package event

import (
	"encoding/json"
	"fmt"
)

// PlayerID identifies one participant slot in a room. The identity space is
// the fixed set of eight colors returned by Candidates.
type PlayerID string

const (
	Red     PlayerID = "red"
	Fuchsia PlayerID = "fuchsia"
	Green   PlayerID = "green"
	Lime    PlayerID = "lime"
	Yellow  PlayerID = "yellow"
	Blue    PlayerID = "blue"
	Aqua    PlayerID = "aqua"
	Orange  PlayerID = "orange"
)

// Candidates returns the full identity space in its canonical order. The
// returned slice is a fresh copy on every call.
func Candidates() []PlayerID {
	return []PlayerID{Red, Fuchsia, Green, Lime, Yellow, Blue, Aqua, Orange}
}

// ParsePlayerID validates s against the identity space.
func ParsePlayerID(s string) (PlayerID, error) {
	for _, p := range Candidates() {
		if s == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("event: unknown player color %q", s)
}

// RoomInfo is the answer a session receives to its sessionStart event: the
// participants attached to the room, in join order.
type RoomInfo struct {
	Players []PlayerID `json:"players"`
}

// SessionInfo is the hello payload each participant receives as the first
// message on its channel once the session starts. Room carries the full
// participant list so a mirror can run the same logic locally.
type SessionInfo struct {
	Room   RoomInfo `json:"room"`
	Player PlayerID `json:"player"`
}

// Kind tags the variants of Event.
type Kind string

const (
	KindError        Kind = "error"
	KindSessionStart Kind = "sessionStart"
	KindSessionEnd   Kind = "sessionEnd"
	KindUpdateState  Kind = "updateState"
	KindDoTaskIf     Kind = "doTaskIf"
	KindTaskDone     Kind = "taskDone"
	KindRandom       Kind = "random"
	KindAction       Kind = "action"
)

// Event is one IO event emitted by a session at a suspension point. Only the
// fields belonging to Kind are meaningful; the constructors keep the pairing
// straight.
type Event struct {
	Kind Kind

	// Message carries the error text (Kind == KindError).
	Message string
	// State carries the serialized state snapshot (Kind == KindUpdateState).
	State json.RawMessage
	// Allowed lists the participants permitted to run the task
	// (Kind == KindDoTaskIf).
	Allowed []PlayerID
	// Targets and Value describe the finished task (Kind == KindTaskDone).
	Targets []PlayerID
	Value   json.RawMessage
	// Start and End bound a random draw, inclusive (Kind == KindRandom).
	Start int32
	End   int32
	// From and Param describe a participant action (Kind == KindAction).
	From  PlayerID
	Param json.RawMessage
}

func NewError(msg string) Event { return Event{Kind: KindError, Message: msg} }

func NewSessionStart() Event { return Event{Kind: KindSessionStart} }

func NewSessionEnd() Event { return Event{Kind: KindSessionEnd} }

func NewUpdateState(state json.RawMessage) Event {
	return Event{Kind: KindUpdateState, State: state}
}

func NewDoTaskIf(allowed []PlayerID) Event {
	return Event{Kind: KindDoTaskIf, Allowed: allowed}
}

func NewTaskDone(targets []PlayerID, value json.RawMessage) Event {
	return Event{Kind: KindTaskDone, Targets: targets, Value: value}
}

func NewRandom(start, end int32) Event {
	return Event{Kind: KindRandom, Start: start, End: end}
}

func NewAction(from PlayerID, param json.RawMessage) Event {
	return Event{Kind: KindAction, From: from, Param: param}
}

// FormatError reports an event or task result that could not be decoded:
// malformed JSON, an unknown type tag, or a missing payload.
type FormatError struct {
	Reason string
	cause  error
}

func (e *FormatError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("event: malformed value: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("event: malformed value: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.cause }

// envelope is the adjacently tagged wire shape shared by Event and
// TaskResult. Data is omitted for unit variants.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type doTaskIfPayload struct {
	Allowed []PlayerID `json:"allowed"`
}

type taskDonePayload struct {
	Targets []PlayerID      `json:"targets"`
	Value   json.RawMessage `json:"value"`
}

type randomPayload struct {
	Start int32 `json:"start"`
	End   int32 `json:"end"`
}

type actionPayload struct {
	From  PlayerID        `json:"from"`
	Param json.RawMessage `json:"param"`
}

// players guards against nil slices encoding as JSON null; the payloads
// always carry arrays.
func players(ps []PlayerID) []PlayerID {
	if ps == nil {
		return []PlayerID{}
	}
	return ps
}

// rawOrNull keeps absent raw payloads representable on the wire.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (e Event) MarshalJSON() ([]byte, error) {
	env := envelope{Type: string(e.Kind)}
	var payload any
	switch e.Kind {
	case KindError:
		payload = e.Message
	case KindSessionStart, KindSessionEnd:
		return json.Marshal(env)
	case KindUpdateState:
		payload = rawOrNull(e.State)
	case KindDoTaskIf:
		payload = doTaskIfPayload{Allowed: players(e.Allowed)}
	case KindTaskDone:
		payload = taskDonePayload{Targets: players(e.Targets), Value: rawOrNull(e.Value)}
	case KindRandom:
		payload = randomPayload{Start: e.Start, End: e.End}
	case KindAction:
		payload = actionPayload{From: e.From, Param: rawOrNull(e.Param)}
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unknown event kind %q", e.Kind)}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &FormatError{Reason: "invalid event envelope", cause: err}
	}
	out := Event{Kind: Kind(env.Type)}
	switch out.Kind {
	case KindError:
		if err := json.Unmarshal(env.Data, &out.Message); err != nil {
			return &FormatError{Reason: "invalid error payload", cause: err}
		}
	case KindSessionStart, KindSessionEnd:
	case KindUpdateState:
		if len(env.Data) == 0 {
			return &FormatError{Reason: "updateState event missing payload"}
		}
		out.State = env.Data
	case KindDoTaskIf:
		var p doTaskIfPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return &FormatError{Reason: "invalid doTaskIf payload", cause: err}
		}
		out.Allowed = players(p.Allowed)
	case KindTaskDone:
		var p taskDonePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return &FormatError{Reason: "invalid taskDone payload", cause: err}
		}
		out.Targets = players(p.Targets)
		out.Value = p.Value
	case KindRandom:
		var p randomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return &FormatError{Reason: "invalid random payload", cause: err}
		}
		out.Start, out.End = p.Start, p.End
	case KindAction:
		var p actionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return &FormatError{Reason: "invalid action payload", cause: err}
		}
		out.From, out.Param = p.From, p.Param
	default:
		return &FormatError{Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
	*e = out
	return nil
}

// TaskResultKind tags the variants of TaskResult.
type TaskResultKind string

const (
	// TaskDoTask grants the receiver the task: it runs the logic itself.
	TaskDoTask TaskResultKind = "doTask"
	// TaskSyncResult delivers the value computed elsewhere.
	TaskSyncResult TaskResultKind = "syncResult"
	// TaskRestricted withholds both the task and its value.
	TaskRestricted TaskResultKind = "restricted"
)

// TaskResult answers a doTaskIf suspension point. Value is only set for
// syncResult.
type TaskResult struct {
	Kind  TaskResultKind
	Value json.RawMessage
}

func NewDoTask() TaskResult { return TaskResult{Kind: TaskDoTask} }

func NewRestricted() TaskResult { return TaskResult{Kind: TaskRestricted} }

func NewSyncResult(value json.RawMessage) TaskResult {
	return TaskResult{Kind: TaskSyncResult, Value: value}
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	env := envelope{Type: string(r.Kind)}
	switch r.Kind {
	case TaskDoTask, TaskRestricted:
	case TaskSyncResult:
		env.Data = rawOrNull(r.Value)
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unknown task result kind %q", r.Kind)}
	}
	return json.Marshal(env)
}

func (r *TaskResult) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &FormatError{Reason: "invalid task result envelope", cause: err}
	}
	out := TaskResult{Kind: TaskResultKind(env.Type)}
	switch out.Kind {
	case TaskDoTask, TaskRestricted:
	case TaskSyncResult:
		out.Value = env.Data
	default:
		return &FormatError{Reason: fmt.Sprintf("unknown task result type %q", env.Type)}
	}
	*r = out
	return nil
}
