// Package session glues the waiting pool, matcher, room manager and relay
// together behind a single mutation authority. Every pool or room
// mutation for a given user flows through the coordinator, which is what
// makes the match commit a real multi-entity atomic transition.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/studysync/studysync/internal/matching"
	"github.com/studysync/studysync/internal/metrics"
	"github.com/studysync/studysync/internal/protocol"
	"github.com/studysync/studysync/internal/relay"
	"github.com/studysync/studysync/internal/rooms"
	"github.com/studysync/studysync/pkg/state"
	"github.com/studysync/studysync/pkg/transport"
)

var ErrAlreadyMatched = errors.New("user already belongs to a room")

type Config struct {
	GroupSize       int
	GraceWindow     time.Duration
	RematchInterval time.Duration
	DissolveGrace   time.Duration
}

type Coordinator struct {
	// mu is the global matching lock: enqueue, withdraw and the
	// snapshot-to-commit window are mutually exclusive under it. Nothing
	// touching the network runs while it is held.
	mu sync.Mutex

	pool    *matching.Pool
	matcher *matching.Matcher
	rooms   *rooms.Manager
	relay   *relay.Relay

	registry state.Registry
	clock    clock.Clock
	config   Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewCoordinator(registry state.Registry, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	// Ticker panics on a non-positive interval.
	if cfg.RematchInterval <= 0 {
		cfg.RematchInterval = time.Second
	}
	c := &Coordinator{
		registry: registry,
		clock:    clk,
		config:   cfg,
		metrics:  m,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
	c.pool = matching.NewPool(logger)
	c.matcher = matching.NewMatcher(cfg.GroupSize, cfg.GraceWindow, logger)
	c.rooms = rooms.NewManager(clk, cfg.DissolveGrace, c.roomClosed, logger)
	c.relay = relay.New(c.rooms, registryResolver{registry}, m, logger)
	return c
}

// Rooms exposes membership queries for the server surface.
func (c *Coordinator) Rooms() *rooms.Manager { return c.rooms }

// Run drives the rematch ticker so grace-window expiry produces matches
// even when no new requests arrive. Blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.config.RematchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.TryMatch()
		}
	}
}

// --- connection lifecycle ---

func (c *Coordinator) Connect(connID uuid.UUID, link transport.Link, ipAddr string) error {
	_, err := c.registry.Register(connID, link, ipAddr)
	return err
}

func (c *Coordinator) Announce(connID uuid.UUID, userID, displayName string) (*state.Identity, error) {
	return c.registry.Announce(connID, userID, displayName)
}

func (c *Coordinator) IdentityByConn(connID uuid.UUID) (*state.Identity, bool) {
	return c.registry.IdentityByConn(connID)
}

// Disconnect is the transport-closure path; it is treated identically to
// an explicit leave. Deregistration is the single trigger guaranteeing no
// stale identity stays addressable.
func (c *Coordinator) Disconnect(connID uuid.UUID) {
	identity, err := c.registry.Deregister(connID)
	if err != nil || identity == nil {
		return
	}
	c.Leave(identity.UserID)
}

// --- matching ---

// FindMatch admits the user to the waiting pool and triggers a match
// attempt. A user can be waiting or matched, never both.
func (c *Coordinator) FindMatch(userID, displayName string, prefs matching.Preferences) error {
	c.mu.Lock()
	if _, inRoom := c.rooms.RoomOf(userID); inRoom {
		c.mu.Unlock()
		return ErrAlreadyMatched
	}
	err := c.pool.Enqueue(matching.Entry{
		UserID:      userID,
		DisplayName: displayName,
		Prefs:       prefs,
		EnqueuedAt:  c.clock.Now(),
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.metrics.WaitingUsers.Set(float64(c.pool.Len()))
	c.sendTo(userID, protocol.EncodeWaiting("looking for study partners"))
	c.TryMatch()
	return nil
}

// CancelMatch withdraws the user from the pool; idempotent. A cancel that
// races a commit loses if the commit already captured the user: they then
// receive a matched notification and may simply leave the room.
func (c *Coordinator) CancelMatch(userID string) {
	c.mu.Lock()
	c.pool.Withdraw(userID)
	c.mu.Unlock()
	c.metrics.WaitingUsers.Set(float64(c.pool.Len()))
}

// TryMatch runs the matcher over a pool snapshot and commits every group
// it recommends. The snapshot-to-commit window sits inside the matching
// lock; notification fan-out happens after it is released.
func (c *Coordinator) TryMatch() {
	for {
		c.mu.Lock()
		c.metrics.MatchAttempts.Inc()
		snapshot := c.pool.Snapshot()
		group := c.matcher.AttemptMatch(snapshot, c.clock.Now())
		if group == nil {
			c.mu.Unlock()
			return
		}

		members := make([]rooms.Member, len(group))
		ids := make([]string, len(group))
		for i, entry := range group {
			ids[i] = entry.UserID
			members[i] = rooms.Member{
				UserID:      entry.UserID,
				DisplayName: entry.DisplayName,
				Prefs:       entry.Prefs,
			}
		}
		c.pool.Remove(ids...)
		room, err := c.rooms.Create(members)
		c.mu.Unlock()

		if err != nil {
			// A member slipped into a room between snapshot and commit.
			// That indicates a bug in the commit transaction; drop the
			// offending group and keep the process serving.
			c.metrics.InvariantViolations.Inc()
			c.logger.Error("match commit failed", slog.Any("error", err), slog.Any("group", ids))
			continue
		}

		c.metrics.WaitingUsers.Set(float64(c.pool.Len()))
		c.metrics.ActiveRooms.Set(float64(c.rooms.ActiveCount()))
		c.metrics.MatchesFormed.WithLabelValues(strconv.Itoa(len(group))).Inc()
		c.notifyMatched(room)
	}
}

// notifyMatched tells each member who they were grouped with. Delivery is
// at-least-once per member; a member whose link died mid-commit is
// handled as an immediate leave, re-triggering the undersized-room policy.
func (c *Coordinator) notifyMatched(room *rooms.Room) {
	for _, member := range room.Members {
		peers := make([]protocol.PeerInfo, 0, len(room.Members)-1)
		for _, other := range room.Members {
			if other.UserID == member.UserID {
				continue
			}
			peers = append(peers, protocol.PeerInfo{UserID: other.UserID, Username: other.DisplayName})
		}
		if !c.sendTo(member.UserID, protocol.EncodeMatched(room.ID, peers)) {
			c.logger.Warn("matched notification undeliverable, treating as leave",
				slog.String("userID", member.UserID),
				slog.String("roomID", room.ID),
			)
			c.Leave(member.UserID)
		}
	}
}

// --- departures ---

// Leave handles voluntary departure and disconnect alike: withdraw from
// the pool, depart the current room, notify whoever remains.
func (c *Coordinator) Leave(userID string) {
	c.mu.Lock()
	c.pool.Withdraw(userID)
	c.mu.Unlock()
	c.metrics.WaitingUsers.Set(float64(c.pool.Len()))

	roomID, remaining, wasMember := c.rooms.RemoveUser(userID)
	if !wasMember {
		return
	}
	c.metrics.ActiveRooms.Set(float64(c.rooms.ActiveCount()))

	frame := protocol.EncodeUserLeft(userID)
	for _, member := range remaining {
		c.sendTo(member.UserID, frame)
	}
	c.logger.Info("departure handled",
		slog.String("userID", userID),
		slog.String("roomID", roomID),
		slog.Int("remaining", len(remaining)),
	)
}

// roomClosed fires from the room manager once the dissolve grace interval
// expires. A still-connected survivor goes back to the waiting pool with
// their original preferences.
func (c *Coordinator) roomClosed(roomID string, survivor *rooms.Member) {
	c.metrics.ActiveRooms.Set(float64(c.rooms.ActiveCount()))
	if survivor == nil {
		return
	}
	if _, ok := c.registry.Lookup(survivor.UserID); !ok {
		return
	}

	c.mu.Lock()
	err := c.pool.Enqueue(matching.Entry{
		UserID:      survivor.UserID,
		DisplayName: survivor.DisplayName,
		Prefs:       survivor.Prefs,
		EnqueuedAt:  c.clock.Now(),
	})
	c.mu.Unlock()
	if err != nil {
		return
	}

	c.metrics.WaitingUsers.Set(float64(c.pool.Len()))
	c.sendTo(survivor.UserID, protocol.EncodeWaiting("your room dissolved, searching again"))
	c.logger.Info("survivor requeued", slog.String("userID", survivor.UserID), slog.String("roomID", roomID))
	c.TryMatch()
}

// --- signaling ---

// Signal relays one negotiation frame. An unreachable recipient is
// cleaned up through the same path as an explicit leave.
func (c *Coordinator) Signal(from, to, msgType string, data []byte) error {
	frame := protocol.EncodeSignal(msgType, from, data)
	err := c.relay.Forward(from, to, msgType, frame)
	if errors.Is(err, relay.ErrPeerUnreachable) {
		c.logger.Warn("relay recipient unreachable, treating as disconnected",
			slog.String("to", to),
		)
		c.Leave(to)
	}
	return err
}

// registryResolver adapts the connection registry to the relay's view.
type registryResolver struct {
	registry state.Registry
}

func (r registryResolver) Resolve(userID string) (transport.Link, bool) {
	identity, ok := r.registry.Lookup(userID)
	if !ok {
		return nil, false
	}
	return identity.Conn.Link, true
}

// sendTo delivers a frame to a user's current connection. Reports false
// when the user is gone or their link is already closed.
func (c *Coordinator) sendTo(userID string, frame []byte) bool {
	identity, ok := c.registry.Lookup(userID)
	if !ok {
		return false
	}
	select {
	case <-identity.Conn.Link.Done():
		return false
	default:
	}
	identity.Conn.Link.Send(frame)
	return true
}
