// Package router turns inbound frames into coordinator operations. The
// "type" discriminant is pulled with gjson before the full typed decode,
// so malformed payloads in unrelated fields never block dispatch.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/studysync/studysync/internal/matching"
	"github.com/studysync/studysync/internal/protocol"
	"github.com/studysync/studysync/internal/relay"
	"github.com/studysync/studysync/internal/session"
	"github.com/studysync/studysync/pkg/state"
)

type Router struct {
	coordinator *session.Coordinator
	registry    state.Registry
	logger      *slog.Logger
}

func New(coordinator *session.Coordinator, registry state.Registry, logger *slog.Logger) *Router {
	return &Router{
		coordinator: coordinator,
		registry:    registry,
		logger:      logger.With(slog.String("component", "router")),
	}
}

// HandleMessage dispatches one inbound frame. No client error is fatal to
// the connection: bad frames are answered with a typed rejection or
// silently dropped.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	msgType := gjson.GetBytes(msg, "type").String()
	if msgType == "" {
		r.reject(connID, protocol.CodeBadFrame, "missing type field")
		return
	}

	if msgType == protocol.TypeJoin {
		r.handleJoin(connID, msg)
		return
	}

	// Everything past this point requires an announced identity.
	identity, ok := r.coordinator.IdentityByConn(connID)
	if !ok {
		r.reject(connID, protocol.CodeJoinRequired, "announce identity with a join message first")
		return
	}

	switch msgType {
	case protocol.TypeFindMatch:
		r.handleFindMatch(connID, identity, msg)
	case protocol.TypeCancelMatch:
		r.coordinator.CancelMatch(identity.UserID)
	case protocol.TypeLeave:
		r.coordinator.Leave(identity.UserID)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		r.handleSignal(connID, identity, msgType, msg)
	default:
		r.logger.Warn("unknown message type",
			slog.String("type", msgType),
			slog.String("userID", identity.UserID),
		)
		r.reject(connID, protocol.CodeUnknownMessageType, "unrecognized message type "+msgType)
	}
}

func (r *Router) handleJoin(connID uuid.UUID, msg []byte) {
	var join protocol.Join
	if err := json.Unmarshal(msg, &join); err != nil || join.UserID == "" {
		r.reject(connID, protocol.CodeBadFrame, "join requires userId and username")
		return
	}

	identity, err := r.coordinator.Announce(connID, join.UserID, join.Username)
	if err != nil {
		code := protocol.CodeBadFrame
		if errors.Is(err, state.ErrIdentityTaken) {
			code = protocol.CodeIdentityTaken
		}
		r.reject(connID, code, err.Error())
		return
	}
	r.send(connID, protocol.EncodeJoined(identity.UserID))
}

func (r *Router) handleFindMatch(connID uuid.UUID, identity *state.Identity, msg []byte) {
	var req protocol.FindMatch
	if err := json.Unmarshal(msg, &req); err != nil {
		r.reject(connID, protocol.CodeBadFrame, "malformed matching request")
		return
	}
	if err := req.Preferences.Validate(); err != nil {
		r.reject(connID, protocol.CodeInvalidPreferences, err.Error())
		return
	}

	err := r.coordinator.FindMatch(identity.UserID, identity.DisplayName, req.Preferences)
	switch {
	case errors.Is(err, matching.ErrAlreadyWaiting):
		r.reject(connID, protocol.CodeAlreadyWaiting, "matching request already pending")
	case errors.Is(err, session.ErrAlreadyMatched):
		r.reject(connID, protocol.CodeAlreadyMatched, "leave your current room before rematching")
	}
}

func (r *Router) handleSignal(connID uuid.UUID, identity *state.Identity, msgType string, msg []byte) {
	var sig protocol.Signal
	if err := json.Unmarshal(msg, &sig); err != nil || sig.To == "" {
		r.reject(connID, protocol.CodeBadFrame, "signal requires a to field")
		return
	}

	err := r.coordinator.Signal(identity.UserID, sig.To, msgType, sig.Data)
	switch {
	case errors.Is(err, relay.ErrNotInSameRoom):
		r.reject(connID, protocol.CodeNotInSameRoom, "recipient is not in your room")
	case errors.Is(err, relay.ErrUnknownMessageType):
		r.reject(connID, protocol.CodeUnknownMessageType, "unrecognized negotiation type")
	case errors.Is(err, relay.ErrPeerUnreachable):
		r.reject(connID, protocol.CodePeerUnreachable, "recipient connection is gone")
	}
}

func (r *Router) reject(connID uuid.UUID, code, message string) {
	r.send(connID, protocol.EncodeError(code, message))
}

func (r *Router) send(connID uuid.UUID, frame []byte) {
	conn, ok := r.registry.GetConn(connID)
	if !ok {
		return
	}
	conn.Link.Send(frame)
}
