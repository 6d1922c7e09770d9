package session

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rulewire/rulewire/game/broker"
	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/game/event"
	"github.com/rulewire/rulewire/logging"
	"github.com/rulewire/rulewire/metrics"
	"github.com/rulewire/rulewire/transport/channel"
)

var (
	ErrRoomNotFound = errors.New("session: room not found")
	ErrRoomStarted  = errors.New("session: room already started")
	ErrRoomFull     = errors.New("session: room is full")
	ErrSlotTaken    = errors.New("session: requested color already taken")
	ErrNotReady     = errors.New("session: not every joined participant is connected")
)

// errorFanoutTimeout bounds the best-effort error broadcast during teardown.
const errorFanoutTimeout = 5 * time.Second

// Phase is a room's lifecycle stage.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseRunning Phase = "running"
	PhaseEnded   Phase = "ended"
	PhaseErrored Phase = "errored"
)

// Observer receives read-only room broadcasts. Implementations must not
// block; they run on the session's host goroutine.
type Observer interface {
	// RoomState delivers the latest state snapshot of a room.
	RoomState(roomID string, state json.RawMessage)
	// RoomPhase delivers room lifecycle transitions.
	RoomPhase(roomID string, phase string)
}

// RoomStatus is the read-model of one room.
type RoomStatus struct {
	ID      string           `json:"room"`
	Game    string           `json:"game"`
	Phase   Phase            `json:"phase"`
	Players []event.PlayerID `json:"players"`
	Created time.Time        `json:"created_at"`
	State   json.RawMessage  `json:"state,omitempty"`
}

// participant is one reserved color slot and, once attached, its channel.
type participant struct {
	player event.PlayerID
	ch     *channel.Channel
}

// Room is one registry entry. All fields behind mu; the struct is shared
// between the registry, pending attachments, and the session goroutine.
type Room struct {
	id      string
	game    string
	created time.Time

	mu         sync.Mutex
	phase      Phase
	sess       *engine.Session
	joined     []*participant
	state      json.RawMessage
	lastActive time.Time
}

func (rm *Room) setPhase(phase Phase) {
	rm.mu.Lock()
	rm.phase = phase
	rm.lastActive = time.Now()
	rm.mu.Unlock()
}

func (rm *Room) setState(state json.RawMessage) {
	rm.mu.Lock()
	rm.state = state
	rm.lastActive = time.Now()
	rm.mu.Unlock()
}

func (rm *Room) status() RoomStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	players := make([]event.PlayerID, len(rm.joined))
	for i, p := range rm.joined {
		players[i] = p.player
	}
	return RoomStatus{
		ID:      rm.id,
		Game:    rm.game,
		Phase:   rm.phase,
		Players: players,
		Created: rm.created,
		State:   rm.state,
	}
}

// Pending binds a reserved slot to the connection that eventually arrives
// for it.
type Pending struct {
	room *Room
	part *participant
}

// Player returns the color slot this token reserves.
func (p *Pending) Player() event.PlayerID { return p.part.player }

// Attach wraps conn in a reliable channel and hands it to the room. It fails
// when the slot already has a connection or the room has left the lobby;
// conn is closed on failure.
func (p *Pending) Attach(conn channel.Conn) error {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()

	if p.room.phase != PhaseLobby {
		conn.Close()
		return ErrRoomStarted
	}
	if p.part.ch != nil {
		conn.Close()
		return ErrSlotTaken
	}
	p.part.ch = channel.New(conn)
	p.room.lastActive = time.Now()
	return nil
}

// Router owns the room registry and runs room sessions.
type Router struct {
	runtime *engine.Runtime
	obs     Observer
	randInt func(start, end int32) int32
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRouter returns a router backed by rt. obs may be nil when nothing
// watches room state.
func NewRouter(rt *engine.Runtime, obs Observer) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		runtime: rt,
		obs:     obs,
		randInt: drawInt,
		log:     logging.WithComponent("session"),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
	}
}

// drawInt is the default random source.
func drawInt(start, end int32) int32 {
	return start + int32(rand.Int64N(int64(end)-int64(start)+1))
}

// SetRandSource replaces the random draw source. Calls must happen before
// any session starts; tests use this to fix draws.
func (r *Router) SetRandSource(f func(start, end int32) int32) {
	r.randInt = f
}

// Close cancels every running session. Rooms stay readable until pruned.
func (r *Router) Close() {
	r.cancel()
}

// CreateRoom registers a new room for the given game and eagerly creates its
// session, so an unknown game fails here and not at start.
func (r *Router) CreateRoom(game string) (string, error) {
	sess, err := r.runtime.NewSession(game)
	if err != nil {
		return "", err
	}

	now := time.Now()
	room := &Room{
		id:         uuid.NewString(),
		game:       game,
		created:    now,
		phase:      PhaseLobby,
		sess:       sess,
		lastActive: now,
	}

	r.mu.Lock()
	r.rooms[room.id] = room
	r.mu.Unlock()

	metrics.RoomsCreatedTotal.Inc()
	metrics.RoomsActive.Inc()
	r.observePhase(room.id, PhaseLobby)
	r.log.Info().Str("room", room.id).Str("game", game).Msg("room created")
	return room.id, nil
}

func (r *Router) room(roomID string) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// JoinRoom reserves the color slot in a lobby room. The slot only becomes
// playable once the returned token is attached to a connection.
func (r *Router) JoinRoom(roomID string, player event.PlayerID) (*Pending, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.phase != PhaseLobby {
		return nil, ErrRoomStarted
	}
	if len(room.joined) >= len(event.Candidates()) {
		return nil, ErrRoomFull
	}
	for _, p := range room.joined {
		if p.player == player {
			return nil, ErrSlotTaken
		}
	}

	part := &participant{player: player}
	room.joined = append(room.joined, part)
	room.lastActive = time.Now()

	metrics.ParticipantsJoinedTotal.Inc()
	r.log.Info().Str("room", roomID).Str("player", string(player)).Msg("slot joined")
	return &Pending{room: room, part: part}, nil
}

// StartSession moves a fully connected lobby to running and spawns the
// session. It fails with ErrNotReady while any joined slot still waits for
// its connection, so callers can simply retry after the stragglers attach.
func (r *Router) StartSession(roomID string) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.phase != PhaseLobby {
		room.mu.Unlock()
		return ErrRoomStarted
	}
	if len(room.joined) == 0 {
		room.mu.Unlock()
		return ErrNotReady
	}
	order := make([]event.PlayerID, 0, len(room.joined))
	chans := make(map[event.PlayerID]*channel.Channel, len(room.joined))
	for _, p := range room.joined {
		if p.ch == nil {
			room.mu.Unlock()
			return ErrNotReady
		}
		order = append(order, p.player)
		chans[p.player] = p.ch
	}
	room.phase = PhaseRunning
	room.lastActive = time.Now()
	room.mu.Unlock()

	r.observePhase(roomID, PhaseRunning)
	r.log.Info().Str("room", roomID).Int("players", len(order)).Msg("session starting")

	go r.runSession(room, order, chans)
	return nil
}

// runSession delivers the hello to every participant, runs the session to
// completion, and tears the room down.
func (r *Router) runSession(room *Room, order []event.PlayerID, chans map[event.PlayerID]*channel.Channel) {
	info := event.RoomInfo{Players: order}

	// Plain group: one dead participant must not cancel the hellos still in
	// flight to the others, whose channels stay usable for the error fan-out.
	var g errgroup.Group
	for player, ch := range chans {
		g.Go(func() error {
			return ch.Send(r.ctx, event.SessionInfo{Room: info, Player: player})
		})
	}
	if err := g.Wait(); err != nil {
		r.finishRoom(room, chans, err)
		return
	}

	handler := &roomHandler{
		router: r,
		room:   room,
		order:  order,
		chans:  chans,
	}
	err := room.sess.Start(r.ctx, broker.DefaultInputCapacity, true, info, handler)
	r.finishRoom(room, chans, err)
}

// finishRoom surfaces a fatal error to every attached participant, closes
// the channels, and parks the room in its terminal phase.
func (r *Router) finishRoom(room *Room, chans map[event.PlayerID]*channel.Channel, err error) {
	phase := PhaseEnded
	if err != nil {
		phase = PhaseErrored
		r.log.Error().Str("room", room.id).Err(err).Msg("session failed")

		ctx, cancel := context.WithTimeout(context.Background(), errorFanoutTimeout)
		var g errgroup.Group
		for _, ch := range chans {
			g.Go(func() error {
				return ch.Send(ctx, event.NewError(err.Error()))
			})
		}
		_ = g.Wait() // best effort; dead channels report their own failure
		cancel()
	}

	for _, ch := range chans {
		ch.Close()
	}

	room.setPhase(phase)
	r.observePhase(room.id, phase)
	r.log.Info().Str("room", room.id).Str("phase", string(phase)).Msg("room finished")
}

// Room returns the status of one room.
func (r *Router) Room(roomID string) (RoomStatus, error) {
	room, err := r.room(roomID)
	if err != nil {
		return RoomStatus{}, err
	}
	return room.status(), nil
}

// Rooms lists every registered room, oldest first.
func (r *Router) Rooms() []RoomStatus {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	statuses := make([]RoomStatus, len(rooms))
	for i, room := range rooms {
		statuses[i] = room.status()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Created.Equal(statuses[j].Created) {
			return statuses[i].ID < statuses[j].ID
		}
		return statuses[i].Created.Before(statuses[j].Created)
	})
	return statuses
}

// Count returns the number of registered rooms.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// PruneIdle drops rooms that are past their useful life: finished rooms and
// abandoned lobbies untouched for maxAge. Running rooms are never pruned.
// Returns the number of rooms removed.
func (r *Router) PruneIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var victims []*Room
	var orphaned []*channel.Channel
	for id, room := range r.rooms {
		room.mu.Lock()
		idle := room.lastActive.Before(cutoff)
		prunable := room.phase != PhaseRunning
		if idle && prunable {
			if room.phase == PhaseLobby {
				// Pending attachments must find a closed room, and connections
				// already attached to the dead lobby must not linger.
				room.phase = PhaseEnded
				for _, p := range room.joined {
					if p.ch != nil {
						orphaned = append(orphaned, p.ch)
					}
				}
			}
			victims = append(victims, room)
			delete(r.rooms, id)
		}
		room.mu.Unlock()
	}
	r.mu.Unlock()

	for _, ch := range orphaned {
		ch.Close()
	}
	for _, room := range victims {
		metrics.RoomsActive.Dec()
		r.log.Info().Str("room", room.id).Msg("room pruned")
	}
	return len(victims)
}

func (r *Router) observePhase(roomID string, phase Phase) {
	if r.obs != nil {
		r.obs.RoomPhase(roomID, string(phase))
	}
}

func (r *Router) observeState(roomID string, state json.RawMessage) {
	if r.obs != nil {
		r.obs.RoomState(roomID, state)
	}
}
