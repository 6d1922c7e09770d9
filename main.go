// Command rulewire starts the lockstep game session server.
//
// The default action serves the HTTP surface: the room REST API, the
// websocket connect and watch endpoints, Prometheus metrics, and an /mcp
// JSON-RPC endpoint. Two subcommands cover the other surfaces:
//
//   - "client" joins a room from the terminal and plays interactively,
//     mirroring the session logic locally.
//   - "mcp" speaks the MCP protocol over stdio for agent hosts, reusing an
//     external API server when one is reachable and booting a loopback one
//     when it is not.
//
// Flags control host/port, the variants directory, logging, and optional
// ngrok tunneling for external access during development. A .env file in the
// working directory is loaded before flags are parsed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/rulewire/rulewire/api"
	"github.com/rulewire/rulewire/client"
	"github.com/rulewire/rulewire/game/config"
	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/game/games/guessing"
	"github.com/rulewire/rulewire/game/session"
	"github.com/rulewire/rulewire/logging"
	"github.com/rulewire/rulewire/transport/mcp"
	wsocket "github.com/rulewire/rulewire/transport/websocket"
	"github.com/rulewire/rulewire/validate"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "rulewire"
)

// defaultGame is registered on every runtime and used when room creation
// names no game.
const defaultGame = "guessing_game"

func main() {
	// Load .env if present so flag env sources can see it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: load .env: %v\n", err)
	}

	if err := root().Run(context.Background(), os.Args); err != nil {
		log := logging.WithComponent("main")
		log.Fatal().Err(err).Msg("fatal")
	}
}

func root() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "lockstep game session server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "localhost",
				Usage:   "interface the HTTP server binds to",
				Sources: cli.EnvVars("HOST"),
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "HTTP server port",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "variants",
				Value:   "variants",
				Usage:   "directory with game variant files",
				Sources: cli.EnvVars("VARIANTS_DIR"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Usage:   "log format (json or console)",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.DurationFlag{
				Name:  "prune-after",
				Value: time.Hour,
				Usage: "retire ended rooms and abandoned lobbies older than this",
			},
			&cli.DurationFlag{
				Name:  "prune-every",
				Value: 5 * time.Minute,
				Usage: "how often the prune sweep runs",
			},
			&cli.BoolFlag{
				Name:    "ngrok",
				Usage:   "expose the server through an ngrok tunnel",
				Sources: cli.EnvVars("NGROK_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "ngrok-auth",
				Usage:   "ngrok auth token",
				Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "ngrok-domain",
				Usage:   "custom ngrok domain",
				Sources: cli.EnvVars("NGROK_DOMAIN"),
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:  "client",
				Usage: "join a room from the terminal and play interactively",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "url",
						Value:   "http://localhost:8080",
						Usage:   "server base URL",
						Sources: cli.EnvVars("SERVER_URL"),
					},
					&cli.StringFlag{
						Name:     "room",
						Usage:    "room id to join",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "color",
						Usage:    "player color slot to take",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "game",
						Value: defaultGame,
						Usage: "game key the room was created with",
					},
				},
				Action: runClient,
			},
			{
				Name:  "mcp",
				Usage: "serve the room tools over MCP stdio",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "url",
						Value:   "http://localhost:8080",
						Usage:   "API server the tools target; a loopback server is started when it is unreachable",
						Sources: cli.EnvVars("SERVER_URL"),
					},
				},
				Action: runMCP,
			},
		},
	}
}

func configureLogging(cmd *cli.Command) {
	logging.Configure(logging.Config{
		Level:   cmd.String("log-level"),
		Format:  cmd.String("log-format"),
		Service: AppName,
	})
}

// newRuntime builds the game runtime every mode shares: the default game
// plus whatever the variants directory adds.
func newRuntime(variantsDir string) (*engine.Runtime, int, error) {
	rt := engine.NewRuntime(engine.Config{EnableState: true})
	if err := rt.AddGame(defaultGame, guessing.Game(1, 99)); err != nil {
		return nil, 0, err
	}
	variants, err := config.NewManager(variantsDir)
	if err != nil {
		return nil, 0, err
	}
	registered, err := variants.Register(rt, builders())
	if err != nil {
		return nil, 0, err
	}
	return rt, registered, nil
}

// builders maps variant kinds to their game constructors.
func builders() map[string]config.Builder {
	return map[string]config.Builder{
		"guessing": func(v config.Variant) (engine.GameFunc, error) {
			return guessing.Game(v.Min, v.Max), nil
		},
	}
}

// runServe is the default action: the full HTTP surface with graceful
// shutdown on SIGINT/SIGTERM.
func runServe(ctx context.Context, cmd *cli.Command) error {
	configureLogging(cmd)
	log := logging.WithComponent("main")

	rt, registered, err := newRuntime(cmd.String("variants"))
	if err != nil {
		return err
	}
	if registered > 0 {
		log.Info().Int("variants", registered).Str("dir", cmd.String("variants")).Msg("variants registered")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := wsocket.NewHub()
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	router := session.NewRouter(rt, hub)

	addr := net.JoinHostPort(cmd.String("host"), fmt.Sprintf("%d", cmd.Int("port")))
	apiServer := api.NewServer(router, hub, defaultGame)
	apiServer.Handle("/mcp", mcp.NewClient("http://"+addr))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("game", defaultGame).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cmd.Duration("prune-every"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := router.PruneIdle(cmd.Duration("prune-after")); removed > 0 {
					log.Info().Int("rooms", removed).Msg("idle rooms pruned")
				}
			}
		}
	}()

	if cmd.Bool("ngrok") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, cmd, apiServer)
		}()
	}

	var failure error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		failure = fmt.Errorf("http server: %w", err)
	}
	stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}

	router.Close()
	<-hubDone
	wg.Wait()
	log.Info().Msg("server stopped")
	return failure
}

// runNgrok exposes the handler through an ngrok tunnel until ctx is
// canceled. Tunnel failures are logged, not fatal; the local server keeps
// serving either way.
func runNgrok(ctx context.Context, cmd *cli.Command, handler http.Handler) {
	log := logging.WithComponent("ngrok")

	authToken := cmd.String("ngrok-auth")
	if authToken == "" {
		log.Warn().Msg("ngrok enabled but no auth token provided")
		return
	}

	tunnel := ngrokConfig.HTTPEndpoint()
	if domain := cmd.String("ngrok-domain"); domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
		log.Info().Str("domain", domain).Msg("using custom ngrok domain")
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		log.Error().Err(err).Msg("ngrok tunnel failed to start")
		return
	}
	defer tun.Close()

	log.Info().Str("url", tun.URL()).Msg("ngrok tunnel established")
	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Info().Err(err).Msg("ngrok tunnel closed")
	}
}

// runClient joins a room as a participant and plays from the terminal.
func runClient(ctx context.Context, cmd *cli.Command) error {
	configureLogging(cmd)

	room := cmd.String("room")
	color := cmd.String("color")
	game := cmd.String("game")

	if err := validate.RoomID(room); err != nil {
		return err
	}
	if err := validate.PlayerColor(color); err != nil {
		return err
	}
	if err := validate.Key(game); err != nil {
		return err
	}
	player, err := event.ParsePlayerID(color)
	if err != nil {
		return err
	}

	rt, _, err := newRuntime(cmd.String("variants"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Joining room %s as %s\n", room, player)
	err = client.Run(ctx, client.Config{
		ServerURL: cmd.String("url"),
		Room:      room,
		Player:    player,
		Game:      game,
		Runtime:   rt,
		Input:     client.NewStdinSource(),
		OnState: func(state json.RawMessage) {
			renderState(os.Stdout, state)
		},
	})
	if err != nil {
		return err
	}
	fmt.Println("Session ended")
	return nil
}

// renderState pretty-prints a state snapshot for the terminal.
func renderState(w io.Writer, state json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, state, "", "  "); err != nil {
		fmt.Fprintf(w, "state: %s\n", state)
		return
	}
	fmt.Fprintf(w, "state: %s\n", pretty.Bytes())
}

// runMCP serves the room tools over stdio. It reuses the API server at
// --url when one answers; otherwise it boots a loopback server so the tools
// work standalone.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	configureLogging(cmd)
	log := logging.WithComponent("mcp")

	baseURL := strings.TrimRight(cmd.String("url"), "/")
	if baseURL != "" && serverHealthy(ctx, baseURL) {
		log.Info().Str("url", baseURL).Msg("using external api server")
	} else {
		rt, _, err := newRuntime(cmd.String("variants"))
		if err != nil {
			return err
		}

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen for internal api: %w", err)
		}

		hub := wsocket.NewHub()
		go hub.Run(ctx)
		router := session.NewRouter(rt, hub)
		defer router.Close()

		httpServer := &http.Server{Handler: api.NewServer(router, hub, defaultGame)}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("internal api server failed")
			}
		}()
		defer httpServer.Close()

		baseURL = "http://" + listener.Addr().String()
		log.Info().Str("url", baseURL).Msg("internal api server started")
	}

	mcpClient := mcp.NewClient(baseURL)
	log.Info().Msg("mcp stdio server ready")
	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

// serverHealthy reports whether an API server already answers at base.
func serverHealthy(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
