// Package engine runs deterministic game logic as suspendable sessions.
//
// The engine package implements:
//   - A Runtime registry mapping game keys to logic functions
//   - Session lifecycle management (Created, Starting, Running, Ended, Errored)
//   - The broker-backed suspension loop between logic and host
//   - The Toolkit API that game logic is written against
//
// Core Types:
//
// Runtime holds the registered games and hands out Sessions. A Session owns
// one run of a GameFunc on its own goroutine; every externally visible effect
// of that run surfaces as an IO event answered by the host through an
// OutputHandler. The Toolkit (plus the generic helpers DoIf, SyncAdminIf,
// Action and Store) is the only way logic can reach the outside world.
//
// Usage:
//
//	rt := engine.NewRuntime(engine.Config{EnableState: true})
//	if err := rt.AddGame("guessing", guessing.Game(1, 100)); err != nil {
//		log.Fatal(err)
//	}
//
//	sess, err := rt.NewSession("guessing")
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = sess.Start(ctx, broker.DefaultInputCapacity, true, room, handler)
//
// Determinism:
//
// Given the same logic and the same ordered sequence of resumption values
// (task results, random draws, action payloads), a session emits a
// bit-for-bit identical IO event sequence. The engine itself never consults
// wall clocks, map iteration order, or local randomness; random draws are
// supplied by the host through the OutputHandler.
package engine
