// Package relay validates and forwards negotiation messages between
// members of the same active room. Payloads are opaque; the relay never
// parses, validates or stores them beyond the type tag.
package relay

import (
	"errors"
	"log/slog"

	"github.com/studysync/studysync/internal/metrics"
	"github.com/studysync/studysync/internal/protocol"
	"github.com/studysync/studysync/pkg/transport"
)

var (
	ErrNotInSameRoom      = errors.New("sender and recipient do not share an active room")
	ErrUnknownMessageType = errors.New("unrecognized negotiation message type")
	ErrPeerUnreachable    = errors.New("recipient connection is gone")
)

// Membership answers the one question the relay asks on every message.
type Membership interface {
	SameRoom(userA, userB string) bool
}

// Resolver maps a user id to its live transport link.
type Resolver interface {
	Resolve(userID string) (transport.Link, bool)
}

type Relay struct {
	membership Membership
	resolver   Resolver
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(membership Membership, resolver Resolver, m *metrics.Metrics, logger *slog.Logger) *Relay {
	return &Relay{
		membership: membership,
		resolver:   resolver,
		metrics:    m,
		logger:     logger.With(slog.String("component", "relay")),
	}
}

// Forward delivers frame to the recipient after validating the room
// contract. The frame is sent exactly as given; rejection drops it with no
// side effects on either user's room state. Delivery is best-effort and
// ordered per sender, because each sender's frames arrive on a single
// reader goroutine and the recipient link writes in Send order.
func (r *Relay) Forward(from, to, msgType string, frame []byte) error {
	switch msgType {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
	default:
		r.metrics.RelayRejected.WithLabelValues("unknown_type").Inc()
		return ErrUnknownMessageType
	}

	// A user never negotiates with themselves; SameRoom alone would admit it.
	if from == to {
		r.metrics.RelayRejected.WithLabelValues("self_addressed").Inc()
		return ErrNotInSameRoom
	}

	if !r.membership.SameRoom(from, to) {
		r.metrics.RelayRejected.WithLabelValues("not_in_same_room").Inc()
		r.logger.Warn("cross-room relay rejected",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("msgType", msgType),
		)
		return ErrNotInSameRoom
	}

	link, ok := r.resolver.Resolve(to)
	if !ok {
		r.metrics.RelayRejected.WithLabelValues("peer_unreachable").Inc()
		return ErrPeerUnreachable
	}
	select {
	case <-link.Done():
		r.metrics.RelayRejected.WithLabelValues("peer_unreachable").Inc()
		return ErrPeerUnreachable
	default:
	}

	link.Send(frame)
	r.metrics.RelayForwarded.WithLabelValues(msgType).Inc()
	return nil
}
