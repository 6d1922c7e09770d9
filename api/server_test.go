package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/rulewire/rulewire/api"
	"github.com/rulewire/rulewire/client"
	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/game/games/guessing"
	"github.com/rulewire/rulewire/game/session"
	wsocket "github.com/rulewire/rulewire/transport/websocket"
)

func newGuessingRuntime(t *testing.T) *engine.Runtime {
	t.Helper()
	rt := engine.NewRuntime(engine.Config{EnableState: true})
	if err := rt.AddGame("guessing_game", guessing.Game(1, 99)); err != nil {
		t.Fatalf("AddGame failed: %v", err)
	}
	return rt
}

// fixture runs a real registry, watch hub, and HTTP server.
type fixture struct {
	ts    *httptest.Server
	close func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hub := wsocket.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	router := session.NewRouter(newGuessingRuntime(t), hub)
	router.SetRandSource(func(start, end int32) int32 { return 30 })

	ts := httptest.NewServer(api.NewServer(router, hub, "guessing_game"))

	return &fixture{
		ts: ts,
		close: func() {
			http.DefaultClient.CloseIdleConnections()
			ts.Close()
			router.Close()
			stopHub()
			<-hubDone
		},
	}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", rdr)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

// decodeBody decodes a JSON response and closes it.
func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decode response body failed: %v", err)
	}
}

// errorBody extracts the message from an error response.
func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, resp, &body)
	return body["error"]
}

func (f *fixture) createRoom(t *testing.T, body string) string {
	t.Helper()
	resp := f.post(t, "/room", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var created map[string]string
	decodeBody(t, resp, &created)
	if created["room"] == "" {
		t.Fatal("Expected a room id in the create response")
	}
	return created["room"]
}

func (f *fixture) roomStatus(t *testing.T, roomID string) session.RoomStatus {
	t.Helper()
	resp := f.get(t, "/room/"+roomID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 for room %s, got %d", roomID, resp.StatusCode)
	}
	var status session.RoomStatus
	decodeBody(t, resp, &status)
	return status
}

// waitRoom polls a room until ok accepts its status.
func (f *fixture) waitRoom(t *testing.T, roomID string, ok func(session.RoomStatus) bool) session.RoomStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status := f.roomStatus(t, roomID)
		if ok(status) {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("Room %s never reached the wanted status, last %+v", roomID, status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startWhenReady retries the start endpoint until every reserved slot has a
// live connection behind it.
func (f *fixture) startWhenReady(t *testing.T, roomID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := f.post(t, "/room/"+roomID+"/start", "")
		code := resp.StatusCode
		resp.Body.Close()
		if code == http.StatusOK {
			return
		}
		if code != http.StatusConflict {
			t.Fatalf("Expected start to answer 200 or 409, got %d", code)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Room %s never became ready to start", roomID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateRoom(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	t.Run("default game", func(t *testing.T) {
		roomID := fix.createRoom(t, "")
		status := fix.roomStatus(t, roomID)
		if status.Game != "guessing_game" {
			t.Errorf("Expected the default game, got %q", status.Game)
		}
		if status.Phase != session.PhaseLobby {
			t.Errorf("Expected phase lobby, got %s", status.Phase)
		}
	})

	t.Run("explicit game", func(t *testing.T) {
		if roomID := fix.createRoom(t, `{"game": "guessing_game"}`); roomID == "" {
			t.Error("Expected a room id")
		}
	})

	t.Run("unknown game", func(t *testing.T) {
		resp := fix.post(t, "/room", `{"game": "chess"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("Expected status 404, got %d", resp.StatusCode)
		}
		if msg := errorBody(t, resp); msg != engine.ErrGameNotFound.Error() {
			t.Errorf("Expected %q, got %q", engine.ErrGameNotFound.Error(), msg)
		}
	})

	t.Run("malformed game key", func(t *testing.T) {
		resp := fix.post(t, "/room", `{"game": "Not A Key!"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("Expected status 400, got %d", resp.StatusCode)
		}
		if msg := errorBody(t, resp); !strings.Contains(msg, "game key") {
			t.Errorf("Expected a key validation message, got %q", msg)
		}
	})
}

func TestGetRoom(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	roomID := fix.createRoom(t, "")

	t.Run("existing", func(t *testing.T) {
		status := fix.roomStatus(t, roomID)
		if status.ID != roomID {
			t.Errorf("Expected room %s, got %s", roomID, status.ID)
		}
		if len(status.Players) != 0 {
			t.Errorf("Expected no players yet, got %v", status.Players)
		}
		if status.Created.IsZero() {
			t.Error("Expected a creation timestamp")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		resp := fix.get(t, "/room/nope")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("Expected status 404, got %d", resp.StatusCode)
		}
		if msg := errorBody(t, resp); msg != session.ErrRoomNotFound.Error() {
			t.Errorf("Expected %q, got %q", session.ErrRoomNotFound.Error(), msg)
		}
	})
}

func TestListRooms(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	type listing struct {
		Count int                  `json:"count"`
		Rooms []session.RoomStatus `json:"rooms"`
	}

	var empty listing
	decodeBody(t, fix.get(t, "/rooms"), &empty)
	if empty.Count != 0 || len(empty.Rooms) != 0 {
		t.Fatalf("Expected an empty listing, got %+v", empty)
	}

	first := fix.createRoom(t, "")
	second := fix.createRoom(t, "")

	var two listing
	decodeBody(t, fix.get(t, "/rooms"), &two)
	if two.Count != 2 || len(two.Rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %+v", two)
	}
	seen := map[string]bool{}
	for _, room := range two.Rooms {
		seen[room.ID] = true
	}
	if !seen[first] || !seen[second] {
		t.Errorf("Expected rooms %s and %s in the listing, got %v", first, second, seen)
	}
}

func TestStartRoom(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	t.Run("unknown room", func(t *testing.T) {
		resp := fix.post(t, "/room/nope/start", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("Expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("no participants", func(t *testing.T) {
		roomID := fix.createRoom(t, "")
		resp := fix.post(t, "/room/"+roomID+"/start", "")
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("Expected status 409, got %d", resp.StatusCode)
		}
		if msg := errorBody(t, resp); msg != session.ErrNotReady.Error() {
			t.Errorf("Expected %q, got %q", session.ErrNotReady.Error(), msg)
		}
	})
}

func TestConnectValidation(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	roomID := fix.createRoom(t, "")

	t.Run("invalid color", func(t *testing.T) {
		resp := fix.get(t, "/room/"+roomID+"/connect?color=purple")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("Expected status 400, got %d", resp.StatusCode)
		}
		if msg := errorBody(t, resp); !strings.Contains(msg, "purple") {
			t.Errorf("Expected the error to name the color, got %q", msg)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		resp := fix.get(t, "/room/nope/connect?color=red")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("Expected status 404, got %d", resp.StatusCode)
		}
	})
}

func TestConnectReservesSlot(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	roomID := fix.createRoom(t, "")

	// A join that fails the websocket handshake keeps the color reserved
	// until the room is pruned.
	resp := fix.get(t, "/room/"+roomID+"/connect?color=red")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected the plain HTTP upgrade to fail with 400, got %d", resp.StatusCode)
	}

	status := fix.roomStatus(t, roomID)
	if len(status.Players) != 1 || status.Players[0] != event.Red {
		t.Fatalf("Expected red to hold a slot, got %v", status.Players)
	}

	resp = fix.get(t, "/room/"+roomID+"/connect?color=red")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected status 409 for the taken slot, got %d", resp.StatusCode)
	}
	if msg := errorBody(t, resp); msg != session.ErrSlotTaken.Error() {
		t.Errorf("Expected %q, got %q", session.ErrSlotTaken.Error(), msg)
	}
}

func TestWatchUnknownRoom(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	resp := fix.get(t, "/room/nope/watch")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestWatchDisabled(t *testing.T) {
	router := session.NewRouter(newGuessingRuntime(t), nil)
	defer router.Close()

	ts := httptest.NewServer(api.NewServer(router, nil, "guessing_game"))
	defer ts.Close()

	roomID, err := router.CreateRoom("guessing_game")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/room/" + roomID + "/watch")
	if err != nil {
		t.Fatalf("GET watch failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("Expected status 501, got %d", resp.StatusCode)
	}
	if msg := errorBody(t, resp); msg != "watching is not enabled" {
		t.Errorf("Expected a disabled-watch message, got %q", msg)
	}
}

func TestHealth(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	resp := fix.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected a healthy status, got %q", body["status"])
	}
}

func TestMetrics(t *testing.T) {
	fix := newFixture(t)
	defer fix.close()

	resp := fix.get(t, "/metrics")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read metrics body failed: %v", err)
	}
	if !strings.Contains(string(data), "# HELP") {
		t.Error("Expected Prometheus exposition output")
	}
}

type mirrorResult struct {
	err    error
	states []guessing.State
}

// runMirror connects one participant over a real websocket and plays its
// scripted guesses on its own goroutine.
func runMirror(t *testing.T, fix *fixture, roomID string, player event.PlayerID, guesses ...json.RawMessage) chan mirrorResult {
	t.Helper()
	rt := newGuessingRuntime(t)
	out := make(chan mirrorResult, 1)
	go func() {
		var res mirrorResult
		res.err = client.Run(context.Background(), client.Config{
			ServerURL: fix.ts.URL,
			Room:      roomID,
			Player:    player,
			Game:      "guessing_game",
			Runtime:   rt,
			Input:     client.NewScriptedSource(guesses...),
			OnState: func(raw json.RawMessage) {
				var st guessing.State
				if err := json.Unmarshal(raw, &st); err != nil {
					t.Errorf("Unmarshal mirror state failed: %v", err)
					return
				}
				res.states = append(res.states, st)
			},
		})
		out <- res
	}()
	return out
}

func dialWatch(t *testing.T, baseURL, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/room/" + roomID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial watch failed: %v", err)
	}
	return conn
}

type watchSummary struct {
	phases []string
	states int
	err    error
}

// collectWatch reads watch messages until the room reports its end. Frames
// may batch several newline-separated messages.
func collectWatch(conn *websocket.Conn, roomID string) chan watchSummary {
	out := make(chan watchSummary, 1)
	go func() {
		var sum watchSummary
		defer func() { out <- sum }()
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				sum.err = err
				return
			}
			for _, raw := range bytes.Split(data, []byte{'\n'}) {
				if len(raw) == 0 {
					continue
				}
				var msg wsocket.Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					sum.err = err
					return
				}
				if msg.Room != roomID {
					sum.err = fmt.Errorf("unexpected room %q", msg.Room)
					return
				}
				switch msg.Event {
				case "state":
					sum.states++
				case "phase":
					sum.phases = append(sum.phases, msg.Phase)
					if msg.Phase == string(session.PhaseEnded) {
						return
					}
				}
			}
		}
	}()
	return out
}

func TestPlayOverWebsockets(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fix := newFixture(t)
	defer fix.close()

	roomID := fix.createRoom(t, "")

	watch := dialWatch(t, fix.ts.URL, roomID)
	defer watch.Close()
	time.Sleep(50 * time.Millisecond)
	watchDone := collectWatch(watch, roomID)

	// Join order decides turn order, so serialize the two connects. The
	// fixture pins the secret to 30: red overshoots low, green high, then
	// red hits it.
	redDone := runMirror(t, fix, roomID, event.Red, json.RawMessage(`10`), json.RawMessage(`30`))
	fix.waitRoom(t, roomID, func(s session.RoomStatus) bool { return len(s.Players) == 1 })
	greenDone := runMirror(t, fix, roomID, event.Green, json.RawMessage(`40`))
	fix.waitRoom(t, roomID, func(s session.RoomStatus) bool { return len(s.Players) == 2 })

	fix.startWhenReady(t, roomID)

	red := <-redDone
	green := <-greenDone
	if red.err != nil {
		t.Fatalf("Red mirror failed: %v", red.err)
	}
	if green.err != nil {
		t.Fatalf("Green mirror failed: %v", green.err)
	}

	status := fix.waitRoom(t, roomID, func(s session.RoomStatus) bool { return s.Phase == session.PhaseEnded })

	var final guessing.State
	if err := json.Unmarshal(status.State, &final); err != nil {
		t.Fatalf("Unmarshal room state failed: %v", err)
	}
	if final.Phase != guessing.PhaseDone || final.Winner != event.Red {
		t.Errorf("Expected red to win, got %+v", final)
	}
	if len(final.Turns) != 3 {
		t.Errorf("Expected 3 turns, got %d", len(final.Turns))
	}

	if len(red.states) == 0 {
		t.Fatal("Expected the red mirror to observe snapshots")
	}
	if !reflect.DeepEqual(red.states, green.states) {
		t.Errorf("Mirror snapshot sequences diverged:\nred:   %+v\ngreen: %+v", red.states, green.states)
	}

	sum := <-watchDone
	if sum.err != nil {
		t.Fatalf("Watcher failed: %v", sum.err)
	}
	wantPhases := []string{string(session.PhaseRunning), string(session.PhaseEnded)}
	if !reflect.DeepEqual(sum.phases, wantPhases) {
		t.Errorf("Expected watch phases %v, got %v", wantPhases, sum.phases)
	}
	if sum.states < 2 {
		t.Errorf("Expected the watcher to see state snapshots, got %d", sum.states)
	}
}
