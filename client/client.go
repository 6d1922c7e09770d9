// Package client runs a session mirror: it joins a room over the server's
// websocket endpoint, receives the hello, and then executes the same game
// logic locally, kept in lockstep with the authoritative session through the
// channel's event traffic.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rulewire/rulewire/game/broker"
	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/logging"
	"github.com/rulewire/rulewire/transport/channel"
	wsocket "github.com/rulewire/rulewire/transport/websocket"
)

// Config describes one mirror run.
type Config struct {
	// ServerURL is the API base, e.g. "http://localhost:8080".
	ServerURL string
	// Room is the room id to connect to.
	Room string
	// Player is the color slot this mirror plays.
	Player event.PlayerID
	// Game is the runtime key of the logic to mirror. It must match the game
	// the room was created with.
	Game string
	// Runtime supplies the local copy of the game logic.
	Runtime *engine.Runtime
	// Input supplies this player's actions.
	Input InputSource
	// OnState, when set, observes every local state snapshot.
	OnState func(state json.RawMessage)
}

// ServerError is a fatal error the server broadcast before tearing the
// session down.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "client: server reported: " + e.Message
}

// Run dials the room's connect endpoint and mirrors the session until it
// ends. The returned error is nil only when the session ends cleanly.
func Run(ctx context.Context, cfg Config) error {
	target, err := connectURL(cfg.ServerURL, cfg.Room, cfg.Player)
	if err != nil {
		return err
	}

	log := logging.WithComponent("client")
	log.Info().Str("url", target).Str("player", string(cfg.Player)).Msg("connecting")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: connect rejected (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("client: connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ch := channel.New(wsocket.NewConn(ws))
	defer ch.Close()
	return RunChannel(ctx, cfg, ch)
}

// RunChannel mirrors the session over an established channel: it consumes
// the SessionInfo hello and runs the local logic in lockstep. Callers own
// the channel's lifetime.
func RunChannel(ctx context.Context, cfg Config, ch *channel.Channel) error {
	hello, err := ch.Receive(ctx)
	if err != nil {
		return fmt.Errorf("client: receive hello: %w", err)
	}
	if msg, ok := serverError(hello); ok {
		return &ServerError{Message: msg}
	}
	var info event.SessionInfo
	if err := json.Unmarshal(hello, &info); err != nil {
		return fmt.Errorf("client: decode hello: %w", err)
	}

	sess, err := cfg.Runtime.NewSession(cfg.Game)
	if err != nil {
		return err
	}

	agent := NewAgent(info.Player, ch, cfg.Input, cfg.OnState)
	return sess.Start(ctx, broker.DefaultInputCapacity, true, info.Room, agent)
}

// connectURL turns the API base into the websocket connect endpoint.
func connectURL(base, room string, player event.PlayerID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/room/" + room + "/connect"
	u.RawQuery = url.Values{"color": []string{string(player)}}.Encode()
	return u.String(), nil
}

// serverError reports whether raw is the server's error event envelope.
func serverError(raw json.RawMessage) (string, bool) {
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind != event.KindError {
		return "", false
	}
	return ev.Message, true
}
