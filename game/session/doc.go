// Package session routes rooms: it owns the registry of open rooms, moves
// each one through its lifecycle, and fans a running session's IO events out
// to the right participant channels.
//
// The session package implements:
//   - Thread-safe room storage with UUID identifiers
//   - The lobby flow: create, join a color slot, attach a connection, start
//   - Visibility-scoped fan-out of session events to participant channels
//   - Room teardown, error surfacing, and idle pruning
//
// Core Types:
//
// Router is the registry and the entry point for every room operation.
// Pending is the token returned by JoinRoom; it binds a reserved color slot
// to the live connection once the websocket upgrade completes. RoomStatus is
// the read-model served by the HTTP API.
//
// Visibility:
//
// While a session runs, the Router answers its IO events through a
// per-room visibility stack. Each doTaskIf pushes the set of participants
// allowed to observe the task; taskDone pops it and tells every participant
// in the surrounding scope, and nobody else, how the task ended. Random
// draws and actions reach only the current scope. The Router never interprets
// game payloads; it routes envelopes.
//
// Concurrency:
//
// The registry is mutex-guarded; operations on different rooms do not
// contend. Each started room runs its session on one goroutine and fans out
// to channels concurrently. Closing the Router cancels every running
// session.
//
// Usage:
//
//	router := session.NewRouter(runtime, hub)
//	defer router.Close()
//
//	roomID, err := router.CreateRoom("guessing_game")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	pending, err := router.JoinRoom(roomID, event.Red)
//	if err != nil {
//		log.Fatal(err)
//	}
//	// ... websocket upgrade completes ...
//	if err := pending.Attach(conn); err != nil {
//		log.Fatal(err)
//	}
//
//	err = router.StartSession(roomID)
package session
