package engine

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rulewire/rulewire/logging"
)

var (
	// ErrGameExists is returned when registering a key that is already taken.
	ErrGameExists = errors.New("engine: game already registered")
	// ErrGameNotFound is returned when no game is registered under a key.
	ErrGameNotFound = errors.New("engine: game not registered")
)

// GameFunc is one game's logic. It runs to completion on the session's logic
// goroutine, reaching the outside world only through the Toolkit. A returned
// error ends the session as errored.
type GameFunc func(tk *Toolkit) error

// Config controls runtime-wide behavior shared by all sessions.
type Config struct {
	// EnableState forwards updateState events to the OutputHandler. When
	// disabled, state snapshots are swallowed by the host loop.
	EnableState bool
	// EnableLogging emits Toolkit.Logf lines from game logic.
	EnableLogging bool
}

// Runtime is the registry of playable games. It is safe for concurrent use.
type Runtime struct {
	config Config
	log    zerolog.Logger

	mu    sync.RWMutex
	games map[string]GameFunc
}

// NewRuntime returns an empty runtime.
func NewRuntime(config Config) *Runtime {
	return &Runtime{
		config: config,
		log:    logging.WithComponent("engine"),
		games:  make(map[string]GameFunc),
	}
}

// AddGame registers game under key.
func (r *Runtime) AddGame(key string, game GameFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[key]; ok {
		return ErrGameExists
	}
	r.games[key] = game
	return nil
}

// RemoveGame drops the registration for key. Sessions already created keep
// running.
func (r *Runtime) RemoveGame(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, key)
}

// Games lists the registered keys in sorted order.
func (r *Runtime) Games() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.games))
	for key := range r.games {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewSession creates a fresh session for the game registered under key.
func (r *Runtime) NewSession(key string) (*Session, error) {
	r.mu.RLock()
	logic, ok := r.games[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrGameNotFound
	}
	return &Session{
		game:   key,
		logic:  logic,
		config: r.config,
		log:    r.log.With().Str("game", key).Logger(),
		state:  StateCreated,
	}, nil
}
