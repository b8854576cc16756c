package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studysync/studysync/pkg/state"
	"github.com/studysync/studysync/pkg/transport"
)

type InMemoryRegistry struct {
	conns      map[uuid.UUID]*state.Conn
	identities map[string]*state.Identity

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryRegistry(logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		conns:      make(map[uuid.UUID]*state.Conn),
		identities: make(map[string]*state.Identity),
		logger:     logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ state.Registry = (*InMemoryRegistry)(nil)

func (r *InMemoryRegistry) Register(connID uuid.UUID, link transport.Link, ipAddr string) (*state.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return nil, state.ErrConnRegistered
	}
	conn := &state.Conn{
		ID:        connID,
		IPAddress: ipAddr,
		Link:      link,
		CreatedAt: time.Now(),
	}
	r.conns[connID] = conn
	r.logger.Debug("connection registered", slog.String("connID", connID.String()), slog.String("ip", ipAddr))
	return conn, nil
}

func (r *InMemoryRegistry) Deregister(connID uuid.UUID) (*state.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		// already deregistered; nothing to cascade
		return nil, nil
	}
	delete(r.conns, connID)

	identity := conn.Identity
	if identity != nil {
		delete(r.identities, identity.UserID)
		r.logger.Debug("identity released",
			slog.String("connID", connID.String()),
			slog.String("userID", identity.UserID),
		)
	}
	r.logger.Debug("connection deregistered", slog.String("connID", connID.String()))
	return identity, nil
}

func (r *InMemoryRegistry) GetConn(connID uuid.UUID) (*state.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

func (r *InMemoryRegistry) CountByIP(ipAddr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, conn := range r.conns {
		if conn.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (r *InMemoryRegistry) AllConns() []*state.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*state.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *InMemoryRegistry) Announce(connID uuid.UUID, userID, displayName string) (*state.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, state.ErrUnknownConn
	}
	if conn.Identity != nil {
		return nil, state.ErrAlreadyAnnounced
	}
	// An identity is tied to exactly one live connection. The same user id
	// on a second connection is rejected until the first one closes.
	if _, taken := r.identities[userID]; taken {
		return nil, state.ErrIdentityTaken
	}

	identity := &state.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Conn:        conn,
		AnnouncedAt: time.Now(),
	}
	conn.Identity = identity
	r.identities[userID] = identity

	r.logger.Debug("identity announced",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return identity, nil
}

func (r *InMemoryRegistry) IdentityByConn(connID uuid.UUID) (*state.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok || conn.Identity == nil {
		return nil, false
	}
	return conn.Identity, true
}

func (r *InMemoryRegistry) Lookup(userID string) (*state.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[userID]
	return identity, ok
}
