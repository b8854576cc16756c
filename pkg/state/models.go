package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/studysync/studysync/pkg/transport"
)

// Conn is the registry's record of a single live transport connection.
type Conn struct {
	ID        uuid.UUID
	IPAddress string
	Link      transport.Link // the actual connection for sending messages
	Identity  *Identity      // nil until the client announces itself
	CreatedAt time.Time
}

// Identity is a user as announced over one connection. Identities live and
// die with their connection; announcing the same user id over a fresh
// connection produces a new, unrelated identity.
type Identity struct {
	UserID      string
	DisplayName string
	Conn        *Conn
	AnnouncedAt time.Time
}
