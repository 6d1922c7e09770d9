// Package mcp exposes the room registry to AI agents over the Model
// Context Protocol.
//
// The package is a thin proxy: every tool call is translated into a REST
// request against the API server, so the registry has exactly one write
// path no matter which surface drives it.
//
// MCP Tools:
//
//   - create_room: Create a room for a registered game
//   - start_room: Start a room's session once every participant is connected
//   - list_rooms: List all registered rooms
//   - room_status: Get one room's phase, players, and latest state snapshot
//   - server_health: Check that the API server is reachable
//
// Agents manage and inspect rooms; they do not participate in sessions.
// Participants connect over websockets and run the game logic themselves,
// so there is no tool that plays a turn.
//
// Transport Modes:
//
// The server supports two transport modes:
//   - Stdio: Direct stdio communication for local MCP clients
//   - HTTP: POST endpoint for remote MCP integration, one JSON-RPC message
//     per request
//
// Usage:
//
//	// HTTP mode, mounted on the API server
//	client := mcp.NewClient("http://localhost:8080")
//	apiServer.Handle("/mcp", client)
//
//	// Stdio mode
//	server.ServeStdio(client.GetMCPServer())
package mcp
