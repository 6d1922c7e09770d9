package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/transport/channel"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	rt := engine.NewRuntime(engine.Config{EnableState: true})
	if err := rt.AddGame("noop", func(tk *engine.Toolkit) error { return nil }); err != nil {
		t.Fatalf("AddGame failed: %v", err)
	}
	return NewRouter(rt, nil)
}

// recordingObserver collects every broadcast for later assertions.
type recordingObserver struct {
	mu     sync.Mutex
	phases []string
	states []json.RawMessage
}

func (o *recordingObserver) RoomState(roomID string, state json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) RoomPhase(roomID string, phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

func (o *recordingObserver) phaseLog() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.phases...)
}

func (o *recordingObserver) stateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func TestCreateRoom(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	id, err := r.CreateRoom("noop")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a room id")
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 room, got %d", r.Count())
	}

	status, err := r.Room(id)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}
	if status.Phase != PhaseLobby {
		t.Errorf("Expected phase lobby, got %s", status.Phase)
	}
	if status.Game != "noop" {
		t.Errorf("Expected game noop, got %s", status.Game)
	}
	if len(status.Players) != 0 {
		t.Errorf("Expected no players, got %v", status.Players)
	}
	if status.Created.IsZero() {
		t.Error("Expected a creation timestamp")
	}
}

func TestCreateRoom_UnknownGame(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	if _, err := r.CreateRoom("missing"); !errors.Is(err, engine.ErrGameNotFound) {
		t.Fatalf("Expected ErrGameNotFound, got %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Expected no rooms after a failed create, got %d", r.Count())
	}
}

func TestJoinRoom(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	id, err := r.CreateRoom("noop")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	pending, err := r.JoinRoom(id, event.Red)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if pending.Player() != event.Red {
		t.Errorf("Expected the reserved slot to be red, got %s", pending.Player())
	}

	status, err := r.Room(id)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}
	if len(status.Players) != 1 || status.Players[0] != event.Red {
		t.Errorf("Expected players [red], got %v", status.Players)
	}
}

func TestJoinRoom_DuplicateColor(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	id, _ := r.CreateRoom("noop")
	if _, err := r.JoinRoom(id, event.Red); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if _, err := r.JoinRoom(id, event.Red); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("Expected ErrSlotTaken, got %v", err)
	}
}

func TestJoinRoom_Full(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	id, _ := r.CreateRoom("noop")
	for _, player := range event.Candidates() {
		if _, err := r.JoinRoom(id, player); err != nil {
			t.Fatalf("JoinRoom %s failed: %v", player, err)
		}
	}
	if _, err := r.JoinRoom(id, event.Red); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Expected ErrRoomFull, got %v", err)
	}
}

func TestJoinRoom_UnknownRoom(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	if _, err := r.JoinRoom("nope", event.Red); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Expected ErrRoomNotFound, got %v", err)
	}
}

func TestJoinRoom_AfterLobby(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	id, _ := r.CreateRoom("noop")
	room, err := r.room(id)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	room.setPhase(PhaseRunning)

	if _, err := r.JoinRoom(id, event.Red); !errors.Is(err, ErrRoomStarted) {
		t.Fatalf("Expected ErrRoomStarted, got %v", err)
	}
}

func TestAttach(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := testRouter(t)
	defer r.Close()

	id, _ := r.CreateRoom("noop")
	pending, err := r.JoinRoom(id, event.Red)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	connA, _ := channel.Pipe()
	if err := pending.Attach(connA); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	// The slot is taken; a second connection for it is rejected and closed.
	connC, connD := channel.Pipe()
	if err := pending.Attach(connC); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("Expected ErrSlotTaken, got %v", err)
	}
	if _, err := connD.ReadMessage(); err == nil {
		t.Error("Expected the rejected connection to be closed")
	}

	room, err := r.room(id)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	room.mu.Lock()
	ch := room.joined[0].ch
	room.mu.Unlock()
	if ch == nil {
		t.Fatal("Expected the slot to hold a channel")
	}
	ch.Close()
}

func TestAttach_AfterLobby(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := testRouter(t)
	defer r.Close()

	id, _ := r.CreateRoom("noop")
	pending, err := r.JoinRoom(id, event.Red)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	room, err := r.room(id)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	room.setPhase(PhaseEnded)

	connA, connB := channel.Pipe()
	if err := pending.Attach(connA); !errors.Is(err, ErrRoomStarted) {
		t.Fatalf("Expected ErrRoomStarted, got %v", err)
	}
	if _, err := connB.ReadMessage(); err == nil {
		t.Error("Expected the rejected connection to be closed")
	}
}

func TestStartSession_Checks(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	if err := r.StartSession("nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Expected ErrRoomNotFound, got %v", err)
	}

	id, _ := r.CreateRoom("noop")
	if err := r.StartSession(id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady for an empty lobby, got %v", err)
	}

	if _, err := r.JoinRoom(id, event.Red); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if err := r.StartSession(id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady for an unattached slot, got %v", err)
	}

	room, err := r.room(id)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	room.setPhase(PhaseRunning)
	if err := r.StartSession(id); !errors.Is(err, ErrRoomStarted) {
		t.Fatalf("Expected ErrRoomStarted, got %v", err)
	}
}

func TestPruneIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := testRouter(t)
	defer r.Close()

	backdate := func(id string) *Room {
		t.Helper()
		room, err := r.room(id)
		if err != nil {
			t.Fatalf("room lookup failed: %v", err)
		}
		room.mu.Lock()
		room.lastActive = time.Now().Add(-2 * time.Hour)
		room.mu.Unlock()
		return room
	}

	endedID, _ := r.CreateRoom("noop")
	ended, err := r.room(endedID)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	ended.setPhase(PhaseEnded)
	backdate(endedID)

	lobbyID, _ := r.CreateRoom("noop")
	pending, err := r.JoinRoom(lobbyID, event.Red)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	connA, _ := channel.Pipe()
	if err := pending.Attach(connA); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	lobby := backdate(lobbyID)
	lobby.mu.Lock()
	orphan := lobby.joined[0].ch
	lobby.mu.Unlock()

	runningID, _ := r.CreateRoom("noop")
	running, err := r.room(runningID)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	running.setPhase(PhaseRunning)
	backdate(runningID)

	freshID, _ := r.CreateRoom("noop")

	pruned := r.PruneIdle(time.Hour)
	if pruned != 2 {
		t.Fatalf("Expected 2 pruned rooms, got %d", pruned)
	}
	if r.Count() != 2 {
		t.Errorf("Expected 2 rooms to remain, got %d", r.Count())
	}
	if _, err := r.Room(endedID); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected the ended room to be gone, got %v", err)
	}
	if _, err := r.Room(lobbyID); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected the idle lobby to be gone, got %v", err)
	}
	if _, err := r.Room(runningID); err != nil {
		t.Errorf("Expected the running room to survive, got %v", err)
	}
	if _, err := r.Room(freshID); err != nil {
		t.Errorf("Expected the fresh room to survive, got %v", err)
	}

	// The dead lobby closed its attached channel and rejects late arrivals.
	if orphan.Err() == nil {
		t.Error("Expected the orphaned channel to be closed")
	}
	connC, _ := channel.Pipe()
	if err := pending.Attach(connC); !errors.Is(err, ErrRoomStarted) {
		t.Errorf("Expected ErrRoomStarted on a pruned lobby, got %v", err)
	}
}

func TestRooms_SortedByAge(t *testing.T) {
	r := testRouter(t)
	defer r.Close()

	first, _ := r.CreateRoom("noop")
	second, _ := r.CreateRoom("noop")

	// Force distinct creation times regardless of clock resolution.
	room, err := r.room(first)
	if err != nil {
		t.Fatalf("room lookup failed: %v", err)
	}
	room.created = room.created.Add(-time.Minute)

	rooms := r.Rooms()
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != first || rooms[1].ID != second {
		t.Errorf("Expected rooms oldest first, got %v then %v", rooms[0].ID, rooms[1].ID)
	}
}

func TestObserverSeesLobbyPhase(t *testing.T) {
	rt := engine.NewRuntime(engine.Config{EnableState: true})
	if err := rt.AddGame("noop", func(tk *engine.Toolkit) error { return nil }); err != nil {
		t.Fatalf("AddGame failed: %v", err)
	}
	obs := &recordingObserver{}
	r := NewRouter(rt, obs)
	defer r.Close()

	if _, err := r.CreateRoom("noop"); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	phases := obs.phaseLog()
	if len(phases) != 1 || phases[0] != "lobby" {
		t.Errorf("Expected phase log [lobby], got %v", phases)
	}
	if obs.stateCount() != 0 {
		t.Errorf("Expected no state broadcasts before start, got %d", obs.stateCount())
	}
}

func TestDrawInt(t *testing.T) {
	if v := drawInt(5, 5); v != 5 {
		t.Errorf("Expected the degenerate range to return 5, got %d", v)
	}

	seen := map[int32]bool{}
	for i := 0; i < 300; i++ {
		v := drawInt(1, 3)
		if v < 1 || v > 3 {
			t.Fatalf("Draw %d outside range 1..3", v)
		}
		seen[v] = true
	}
	if len(seen) != 3 {
		t.Errorf("Expected every value in range to appear, got %v", seen)
	}
}
