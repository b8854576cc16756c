package rooms

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/studysync/studysync/internal/matching"
)

// ErrMemberAlreadyInRoom signals a broken commit transaction: Create was
// handed a user who still belongs to a room. Surfaced to operators, never
// expected in normal operation.
var ErrMemberAlreadyInRoom = errors.New("member already belongs to a room")

type Status int

const (
	StatusForming Status = iota
	StatusActive
	StatusDissolving
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusForming:
		return "forming"
	case StatusActive:
		return "active"
	case StatusDissolving:
		return "dissolving"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Member struct {
	UserID      string
	DisplayName string
	Prefs       matching.Preferences
}

type Room struct {
	ID        string
	Members   []Member // ordered, insertion order preserved
	CreatedAt time.Time
	Status    Status

	dissolveTimer *clock.Timer
}

// ClosedHandler fires after a room reaches Closed. survivor is the sole
// remaining member to be returned to the waiting pool, nil when the room
// emptied out entirely. Invoked outside the manager's lock.
type ClosedHandler func(roomID string, survivor *Member)

// Manager owns the lifecycle of matched groups:
// Forming -> Active -> Dissolving -> Closed. Room ids are never reused.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byUser map[string]string // userID -> roomID

	clock         clock.Clock
	dissolveGrace time.Duration
	onClosed      ClosedHandler

	logger *slog.Logger
}

func NewManager(clk clock.Clock, dissolveGrace time.Duration, onClosed ClosedHandler, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:         make(map[string]*Room),
		byUser:        make(map[string]string),
		clock:         clk,
		dissolveGrace: dissolveGrace,
		onClosed:      onClosed,
		logger:        logger.With(slog.String("component", "room_manager")),
	}
}

// Create commits a matcher recommendation into a live room. The caller
// guarantees the members were atomically removed from the waiting pool in
// the same critical section.
func (m *Manager) Create(members []Member) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range members {
		if roomID, ok := m.byUser[member.UserID]; ok {
			m.logger.Error("invariant violation: matched user already in a room",
				slog.String("userID", member.UserID),
				slog.String("roomID", roomID),
			)
			return nil, ErrMemberAlreadyInRoom
		}
	}

	room := &Room{
		ID:        uuid.NewString(),
		Members:   append([]Member(nil), members...),
		CreatedAt: m.clock.Now(),
		Status:    StatusActive, // Forming -> Active is instantaneous on commit
	}
	m.rooms[room.ID] = room
	for _, member := range members {
		m.byUser[member.UserID] = room.ID
	}

	m.logger.Info("room created",
		slog.String("roomID", room.ID),
		slog.Int("members", len(room.Members)),
	)
	return room, nil
}

// Leave removes a user from their room and drives the state machine.
// Voluntary leave and transport disconnect take the identical path.
// Returns the remaining members so the caller can notify them, and
// whether the user was actually a member.
func (m *Manager) Leave(roomID, userID string) ([]Member, bool) {
	m.mu.Lock()

	room, ok := m.rooms[roomID]
	if !ok || m.byUser[userID] != roomID {
		m.mu.Unlock()
		return nil, false
	}

	for i, member := range room.Members {
		if member.UserID == userID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			break
		}
	}
	delete(m.byUser, userID)

	m.logger.Info("member left room",
		slog.String("roomID", roomID),
		slog.String("userID", userID),
		slog.Int("remaining", len(room.Members)),
	)

	remaining := append([]Member(nil), room.Members...)

	switch room.Status {
	case StatusActive:
		if len(room.Members) < 2 {
			// Undersized: start the dissolve grace interval. No backfill
			// is admitted; the timer either fires Closed or a survivor
			// departure closes the room first.
			room.Status = StatusDissolving
			room.dissolveTimer = m.clock.AfterFunc(m.dissolveGrace, func() {
				m.dissolveExpired(room.ID)
			})
			m.logger.Info("room dissolving", slog.String("roomID", roomID))
		}
	case StatusDissolving:
		// The sole survivor gave up during the grace interval.
		if len(room.Members) == 0 {
			m.closeLocked(room)
		}
	}

	m.mu.Unlock()
	return remaining, true
}

// RemoveUser is the disconnect path: resolves the user's room, if any,
// then behaves exactly like Leave.
func (m *Manager) RemoveUser(userID string) (roomID string, remaining []Member, wasMember bool) {
	m.mu.Lock()
	roomID, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return "", nil, false
	}
	remaining, wasMember = m.Leave(roomID, userID)
	return roomID, remaining, wasMember
}

// dissolveExpired fires when the grace interval passes with no
// reattachment. The survivor, if any, is handed to the ClosedHandler for
// requeueing with their original preferences.
func (m *Manager) dissolveExpired(roomID string) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok || room.Status != StatusDissolving {
		m.mu.Unlock()
		return
	}

	var survivor *Member
	if len(room.Members) == 1 {
		s := room.Members[0]
		survivor = &s
		delete(m.byUser, s.UserID)
	}
	m.closeLocked(room)
	m.mu.Unlock()

	if m.onClosed != nil {
		m.onClosed(roomID, survivor)
	}
}

// closeLocked finalizes a room. Closed is terminal; the id is discarded
// and never reused.
func (m *Manager) closeLocked(room *Room) {
	if room.dissolveTimer != nil {
		room.dissolveTimer.Stop()
	}
	room.Status = StatusClosed
	delete(m.rooms, room.ID)
	m.logger.Info("room closed", slog.String("roomID", room.ID))
}

func (m *Manager) IsMember(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUser[userID] == roomID
}

// RoomOf reports which room, if any, the user currently belongs to.
func (m *Manager) RoomOf(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.byUser[userID]
	return roomID, ok
}

// SameRoom reports whether both users are members of one active room.
func (m *Manager) SameRoom(userA, userB string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.byUser[userA]
	if !ok || m.byUser[userB] != roomID {
		return false
	}
	room, ok := m.rooms[roomID]
	return ok && room.Status == StatusActive
}

// Members returns a copy of the room's current member list.
func (m *Manager) Members(roomID string) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Member(nil), room.Members...)
}

// StatusOf reports the room's lifecycle state; Closed for unknown ids.
func (m *Manager) StatusOf(roomID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return StatusClosed
	}
	return room.Status
}

// ActiveCount feeds the rooms gauge.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, room := range m.rooms {
		if room.Status == StatusActive {
			n++
		}
	}
	return n
}
