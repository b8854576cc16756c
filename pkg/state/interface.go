package state

import (
	"errors"

	"github.com/google/uuid"

	"github.com/studysync/studysync/pkg/transport"
)

var (
	ErrConnRegistered   = errors.New("connection is already registered")
	ErrUnknownConn      = errors.New("unknown connection")
	ErrAlreadyAnnounced = errors.New("connection already carries an identity")
	ErrIdentityTaken    = errors.New("user id is bound to another live connection")
)

// Registry tracks live connections and the identity bound to each one.
// It is the foundation every other component queries; deregistration is
// the single point guaranteeing no stale identity stays addressable.
type Registry interface {
	// --- Connection lifecycle ---
	Register(connID uuid.UUID, link transport.Link, ipAddr string) (*Conn, error)
	// Deregister removes the connection and returns the identity that was
	// bound to it, if any, so callers can run the departure cascade.
	Deregister(connID uuid.UUID) (*Identity, error)
	GetConn(connID uuid.UUID) (*Conn, bool)
	CountByIP(ipAddr string) int
	AllConns() []*Conn

	// --- Identity management ---
	// Announce binds a user identity to a registered connection.
	Announce(connID uuid.UUID, userID, displayName string) (*Identity, error)
	IdentityByConn(connID uuid.UUID) (*Identity, bool)
	Lookup(userID string) (*Identity, bool)
}
