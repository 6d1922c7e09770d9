package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rulewire/rulewire/game/session"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Rulewire Rooms",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Rulewire Room Registry - MCP Interface

This is a thin client that proxies all requests to the REST API server.

Rooms host deterministic lockstep game sessions. Participants join over
websockets and run the game logic themselves, so these tools manage and
inspect the room lifecycle; they never play a turn.

AVAILABLE TOOLS:
- create_room: Create a room for a registered game
- start_room: Start a room's session once every participant is connected
- list_rooms: List all registered rooms
- room_status: Get one room's phase, players, and latest state snapshot
- server_health: Check that the API server is reachable

TYPICAL FLOW:
Create a room, share its id with the participants, watch room_status until
every color slot is taken, then call start_room. The session runs to
completion on the server; poll room_status to follow it.`),
	)

	// Register all tools
	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "create_room",
		Description: "Create a new room with an optional game selection",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"game": map[string]interface{}{
					"type":        "string",
					"description": "Key of the game to host (optional, the server default applies)",
				},
			},
		},
	}, c.handleCreateRoom)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "start_room",
		Description: "Start a room's session once all participants are connected",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room id to start",
				},
			},
			Required: []string{"room"},
		},
	}, c.handleStartRoom)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_rooms",
		Description: "List all registered rooms",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListRooms)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "room_status",
		Description: "Get a room's phase, connected players, and latest state snapshot",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room id to inspect",
				},
			},
			Required: []string{"room"},
		},
	}, c.handleRoomStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_health",
		Description: "Check that the API server is reachable",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleServerHealth)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// ServeHTTP answers MCP-over-HTTP requests, one JSON-RPC message per POST.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := c.mcpServer.HandleMessage(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(responseData)
}

// Helper methods for API calls

func (c *Client) apiCall(method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

// Tool handlers

func (c *Client) handleCreateRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	game, _ := args["game"].(string)

	body := map[string]string{}
	if game != "" {
		body["game"] = game
	}

	var created struct {
		Room string `json:"room"`
	}
	if err := c.apiCall("POST", "/room", body, &created); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Created room: %s\nShare the id with the participants, then call start_room once everyone is connected.", created.Room)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleStartRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	roomID, _ := args["room"].(string)
	if roomID == "" {
		return mcp.NewToolResultError("room is required"), nil
	}

	if err := c.apiCall("POST", fmt.Sprintf("/room/%s/start", roomID), nil, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Room %s started.\nThe session runs to completion on the server; poll room_status to follow it.", roomID)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleListRooms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count int                  `json:"count"`
		Rooms []session.RoomStatus `json:"rooms"`
	}

	if err := c.apiCall("GET", "/rooms", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Registered Rooms (%d):\n\n", response.Count)
	for _, room := range response.Rooms {
		result += fmt.Sprintf("- %s (Game: %s, Phase: %s, Players: %d, Created: %s)\n",
			room.ID, room.Game, room.Phase, len(room.Players), room.Created.Format("15:04:05"))
	}

	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleRoomStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	roomID, _ := args["room"].(string)
	if roomID == "" {
		return mcp.NewToolResultError("room is required"), nil
	}

	var status session.RoomStatus
	if err := c.apiCall("GET", fmt.Sprintf("/room/%s", roomID), nil, &status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatRoomStatus(&status)), nil
}

func (c *Client) handleServerHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var health map[string]string
	if err := c.apiCall("GET", "/health", nil, &health); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Server status: %s", health["status"])), nil
}

// formatRoomStatus renders one room for an agent.
func formatRoomStatus(status *session.RoomStatus) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Room: %s\n", status.ID)
	fmt.Fprintf(&b, "Game: %s\n", status.Game)
	fmt.Fprintf(&b, "Phase: %s\n", status.Phase)
	fmt.Fprintf(&b, "Created: %s\n", status.Created.Format(time.RFC3339))

	if len(status.Players) == 0 {
		b.WriteString("Players: none connected yet\n")
	} else {
		players := make([]string, len(status.Players))
		for i, p := range status.Players {
			players[i] = string(p)
		}
		fmt.Fprintf(&b, "Players: %s\n", strings.Join(players, ", "))
	}

	if len(status.State) > 0 {
		fmt.Fprintf(&b, "\nLatest state:\n%s\n", prettyJSON(status.State))
	}

	switch status.Phase {
	case session.PhaseLobby:
		b.WriteString("\nThe room accepts connections. Call start_room once every participant is in.")
	case session.PhaseRunning:
		b.WriteString("\nThe session is in progress.")
	case session.PhaseEnded:
		b.WriteString("\nThe session finished.")
	case session.PhaseErrored:
		b.WriteString("\nThe session failed; create a fresh room to retry.")
	}

	return b.String()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
