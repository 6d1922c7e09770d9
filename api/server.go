package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/game/session"
	"github.com/rulewire/rulewire/logging"
	wsocket "github.com/rulewire/rulewire/transport/websocket"
	"github.com/rulewire/rulewire/validate"
)

// RoomService is the room registry surface the server exposes over HTTP.
type RoomService interface {
	CreateRoom(game string) (string, error)
	JoinRoom(roomID string, player event.PlayerID) (*session.Pending, error)
	StartSession(roomID string) error
	Room(roomID string) (session.RoomStatus, error)
	Rooms() []session.RoomStatus
}

// Server is the REST and websocket front of the room registry.
type Server struct {
	service     RoomService
	hub         *wsocket.Hub
	defaultGame string
	log         zerolog.Logger
	router      *mux.Router
}

// NewServer wires the HTTP surface. defaultGame is used when a create
// request names no game; hub may be nil to disable the watch endpoint.
func NewServer(service RoomService, hub *wsocket.Hub, defaultGame string) *Server {
	s := &Server{
		service:     service,
		hub:         hub,
		defaultGame: defaultGame,
		log:         logging.WithComponent("api"),
		router:      mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	// Room lifecycle
	s.router.HandleFunc("/room", s.handleCreateRoom).Methods("POST")
	s.router.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	s.router.HandleFunc("/room/{room}", s.handleGetRoom).Methods("GET")
	s.router.HandleFunc("/room/{room}/start", s.handleStartRoom).Methods("POST")

	// Websockets
	s.router.HandleFunc("/room/{room}/connect", s.handleConnect).Methods("GET")
	s.router.HandleFunc("/room/{room}/watch", s.handleWatch).Methods("GET")

	// Operational endpoints
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handle mounts an extra handler on the router, e.g. the MCP endpoint.
func (s *Server) Handle(path string, handler http.Handler) {
	s.router.Handle(path, handler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps registry errors onto HTTP statuses: unknown things are 404,
// lifecycle races are 409, everything else is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrRoomNotFound), errors.Is(err, engine.ErrGameNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrRoomStarted),
		errors.Is(err, session.ErrRoomFull),
		errors.Is(err, session.ErrSlotTaken),
		errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Room Handlers

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Game string `json:"game,omitempty"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	game := req.Game
	if game == "" {
		game = s.defaultGame
	}
	if err := validate.Key(game); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	roomID, err := s.service.CreateRoom(game)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"room": roomID})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.service.Rooms()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(rooms),
		"rooms": rooms,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]

	status, err := s.service.Room(roomID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]

	if err := s.service.StartSession(roomID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	// The session runs in the background; the response only acknowledges the
	// start.
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Websocket Handlers

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]

	player, err := event.ParsePlayerID(r.URL.Query().Get("color"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pending, err := s.service.JoinRoom(roomID, player)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	conn, err := wsocket.UpgradeConn(w, r)
	if err != nil {
		// The upgrader already wrote the HTTP error; the slot stays reserved
		// until the room is pruned.
		s.log.Warn().Err(err).Str("room", roomID).Msg("connect upgrade failed")
		return
	}
	if err := pending.Attach(conn); err != nil {
		// Attach closed the connection; the handshake has already succeeded,
		// so there is no HTTP response left to send.
		s.log.Warn().Err(err).Str("room", roomID).Str("player", string(player)).Msg("attach failed")
		return
	}

	s.log.Info().Str("room", roomID).Str("player", string(player)).Msg("participant connected")
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]

	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "watching is not enabled")
		return
	}
	if _, err := s.service.Room(roomID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	s.hub.ServeWatch(w, r, roomID)
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
