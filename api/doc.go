// Package api provides the HTTP surface of the room server.
//
// The api package implements:
//   - Room lifecycle endpoints (create, inspect, list, start)
//   - The websocket connect endpoint participants attach through
//   - The websocket watch endpoint for passive observers
//   - Health and Prometheus metrics endpoints
//
// Endpoints:
//
// Room Lifecycle:
//   - POST /room - Create a room, optionally {"game": "<key>"} in the body
//   - GET /rooms - List every registered room
//   - GET /room/{room} - Get one room's status
//   - POST /room/{room}/start - Start the room's session
//
// Connections:
//   - GET /room/{room}/connect?color=<color> - Join and attach as a player
//   - GET /room/{room}/watch - Observe state and phase updates
//
// Operations:
//   - GET /health - Liveness probe
//   - GET /metrics - Prometheus metrics
//
// Request/Response Format:
//
// All non-websocket endpoints return JSON. Errors carry an error message and
// the HTTP status conveys the kind of failure:
//
//	{
//	  "error": "session: room is full"
//	}
//
// 404 means the room (or game) does not exist, 409 means the request lost a
// lifecycle race (room already started, slot taken, room full, participants
// still connecting), 400 means the request itself is malformed.
package api
