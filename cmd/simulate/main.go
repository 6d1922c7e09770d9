// Command simulate plays complete guessing sessions against a running server
// with bot participants. Each round creates a room over the REST API,
// connects the requested number of bots, starts the session, and lets the
// bots bisect toward the secret from the comparison feedback until one wins.
// A round exercises the whole stack end to end, from room lifecycle and
// websocket transport down to the lockstep mirror protocol.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rulewire/rulewire/client"
	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/game/games/guessing"
	"github.com/rulewire/rulewire/game/session"
	"github.com/rulewire/rulewire/logging"
	"github.com/rulewire/rulewire/validate"
)

const pollInterval = 20 * time.Millisecond

// roundOptions describe one simulated session.
type roundOptions struct {
	game    string
	bots    int
	min     int32
	max     int32
	timeout time.Duration
}

// roundResult summarizes a finished session.
type roundResult struct {
	room   string
	winner event.PlayerID
	turns  int
}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "Server base URL")
	gameKey := flag.String("game", "guessing_game", "Game key to create rooms with")
	bots := flag.Int("bots", 2, "Bot players per room")
	rounds := flag.Int("rounds", 1, "Rounds to play")
	lowest := flag.Int("min", 1, "Lowest value the bots consider")
	highest := flag.Int("max", 99, "Highest value the bots consider")
	timeout := flag.Duration("timeout", 2*time.Minute, "Per-round timeout")
	verbose := flag.Bool("v", false, "Log every guess")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.Configure(logging.Config{Level: level, Format: "console", Service: "simulate"})
	log := logging.WithComponent("simulate")

	opts := roundOptions{
		game:    *gameKey,
		bots:    *bots,
		min:     int32(*lowest),
		max:     int32(*highest),
		timeout: *timeout,
	}
	if err := checkOptions(opts, *rounds); err != nil {
		log.Fatal().Err(err).Msg("invalid options")
	}

	// The bots mirror the session locally, so the same logic must be
	// registered under the key the rooms are created with. The range only
	// matters for the admin's draw, which never runs on a mirror.
	rt := engine.NewRuntime(engine.Config{EnableState: true})
	if err := rt.AddGame(opts.game, guessing.Game(opts.min, opts.max)); err != nil {
		log.Fatal().Err(err).Msg("register local game logic")
	}

	api := newAPIClient(*serverURL)
	log.Info().Str("url", api.baseURL).Str("game", opts.game).
		Int("bots", opts.bots).Int("rounds", *rounds).Msg("simulation starting")

	for round := 1; round <= *rounds; round++ {
		began := time.Now()
		res, err := runRound(context.Background(), api, rt, opts)
		if err != nil {
			log.Fatal().Err(err).Int("round", round).Msg("round failed")
		}
		log.Info().Int("round", round).Str("room", res.room).
			Str("winner", string(res.winner)).Int("turns", res.turns).
			Dur("elapsed", time.Since(began)).Msg("round complete")
	}
	log.Info().Int("rounds", *rounds).Msg("simulation complete")
}

func checkOptions(opts roundOptions, rounds int) error {
	if err := validate.Key(opts.game); err != nil {
		return err
	}
	if err := validate.Range(opts.min, opts.max); err != nil {
		return err
	}
	if opts.bots < 1 || opts.bots > len(event.Candidates()) {
		return fmt.Errorf("bots must be between 1 and %d", len(event.Candidates()))
	}
	if rounds < 1 {
		return errors.New("rounds must be at least 1")
	}
	return nil
}

// runRound plays one complete session: create the room, connect the bots one
// at a time, start it, and wait for the logic to finish. Bots join serially
// so every slot is visible before the next connects, which keeps the turn
// order stable.
func runRound(parent context.Context, api *apiClient, rt *engine.Runtime, opts roundOptions) (roundResult, error) {
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	roomID, err := api.createRoom(ctx, opts.game)
	if err != nil {
		return roundResult{}, fmt.Errorf("create room: %w", err)
	}

	g, botCtx := errgroup.WithContext(ctx)

	var setupErr error
	for i, color := range event.Candidates()[:opts.bots] {
		bot := newBisector(opts.min, opts.max)
		cfg := client.Config{
			ServerURL: api.baseURL,
			Room:      roomID,
			Player:    color,
			Game:      opts.game,
			Runtime:   rt,
			Input:     botInput(color, bot),
			OnState:   bot.onState,
		}
		g.Go(func() error {
			if err := client.Run(botCtx, cfg); err != nil {
				return fmt.Errorf("bot %s: %w", cfg.Player, err)
			}
			return nil
		})
		if err := api.waitPlayers(botCtx, roomID, i+1); err != nil {
			setupErr = fmt.Errorf("wait for %s to join: %w", color, err)
			break
		}
	}
	if setupErr == nil {
		setupErr = api.startWhenReady(botCtx, roomID)
	}
	if setupErr != nil {
		cancel()
		_ = g.Wait()
		return roundResult{}, setupErr
	}

	if err := g.Wait(); err != nil {
		return roundResult{}, err
	}

	status, err := api.waitEnded(ctx, roomID)
	if err != nil {
		return roundResult{}, err
	}
	var final guessing.State
	if err := json.Unmarshal(status.State, &final); err != nil {
		return roundResult{}, fmt.Errorf("decode final state: %w", err)
	}
	if final.Phase != guessing.PhaseDone {
		return roundResult{}, fmt.Errorf("session ended in phase %q", final.Phase)
	}
	return roundResult{room: roomID, winner: final.Winner, turns: len(final.Turns)}, nil
}

// botInput adapts a bisector to the mirror's input interface and logs each
// guess it hands out.
func botInput(player event.PlayerID, bot *bisector) client.InputSource {
	log := logging.WithComponent("bot")
	return client.SourceFunc(func(ctx context.Context, param json.RawMessage) (json.RawMessage, error) {
		guess := bot.next()
		log.Debug().Str("player", string(player)).Int32("guess", guess).Msg("guessing")
		return json.Marshal(guess)
	})
}

// errConflict marks a 409 response so the start loop can tell retryable
// races from real failures.
var errConflict = errors.New("conflict")

// apiClient is a thin wrapper over the server's room endpoints.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) createRoom(ctx context.Context, game string) (string, error) {
	var created struct {
		Room string `json:"room"`
	}
	if err := c.do(ctx, http.MethodPost, "/room", map[string]string{"game": game}, &created); err != nil {
		return "", err
	}
	return created.Room, nil
}

func (c *apiClient) roomStatus(ctx context.Context, room string) (session.RoomStatus, error) {
	var status session.RoomStatus
	if err := c.do(ctx, http.MethodGet, "/room/"+room, nil, &status); err != nil {
		return session.RoomStatus{}, err
	}
	return status, nil
}

// waitPlayers polls the room until at least n participants have joined.
func (c *apiClient) waitPlayers(ctx context.Context, room string, n int) error {
	for {
		status, err := c.roomStatus(ctx, room)
		if err != nil {
			return err
		}
		if len(status.Players) >= n {
			return nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// startWhenReady starts the room, retrying while joined participants are
// still attaching their connections. A conflict after the room left the
// lobby means an earlier attempt already took effect.
func (c *apiClient) startWhenReady(ctx context.Context, room string) error {
	for {
		err := c.do(ctx, http.MethodPost, "/room/"+room+"/start", nil, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		status, statusErr := c.roomStatus(ctx, room)
		if statusErr == nil && status.Phase != session.PhaseLobby {
			return nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// waitEnded polls the room until the server marks it ended.
func (c *apiClient) waitEnded(ctx context.Context, room string) (session.RoomStatus, error) {
	for {
		status, err := c.roomStatus(ctx, room)
		if err != nil {
			return session.RoomStatus{}, err
		}
		switch status.Phase {
		case session.PhaseEnded:
			return status, nil
		case session.PhaseErrored:
			return session.RoomStatus{}, fmt.Errorf("room %s errored", room)
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return session.RoomStatus{}, err
		}
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", errConflict, msg)
		}
		return errors.New(msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
