// Package protocol defines the JSON wire messages exchanged with clients.
// Every frame carries a "type" discriminant; negotiation payloads are
// opaque blobs the server forwards without inspection.
package protocol

import (
	"encoding/json"

	"github.com/studysync/studysync/internal/matching"
)

const (
	// client -> server
	TypeJoin        = "join"
	TypeFindMatch   = "find-match"
	TypeCancelMatch = "cancel-match"
	TypeLeave       = "leave"

	// server -> client
	TypeJoined   = "joined"
	TypeWaiting  = "waiting"
	TypeMatched  = "matched"
	TypeUserLeft = "user-left"
	TypeError    = "error"

	// relayed negotiation kinds (bidirectional)
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Error codes carried in rejection frames.
const (
	CodeAlreadyWaiting     = "already-waiting"
	CodeAlreadyMatched     = "already-matched"
	CodeNotInSameRoom      = "not-in-same-room"
	CodeUnknownMessageType = "unknown-message-type"
	CodePeerUnreachable    = "peer-unreachable"
	CodeBadFrame           = "bad-frame"
	CodeInvalidPreferences = "invalid-preferences"
	CodeJoinRequired       = "join-required"
	CodeIdentityTaken      = "identity-taken"
)

type Join struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type FindMatch struct {
	Type        string               `json:"type"`
	Preferences matching.Preferences `json:"preferences"`
}

// Signal covers offer, answer and ice-candidate frames. Data is never
// parsed by the server; it belongs to the peers' negotiation protocol.
type Signal struct {
	Type string          `json:"type"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PeerInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Joined struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type Waiting struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Matched struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Peers  []PeerInfo `json:"peers"`
}

type UserLeft struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func EncodeJoined(userID string) []byte {
	return mustMarshal(Joined{Type: TypeJoined, UserID: userID})
}

func EncodeWaiting(message string) []byte {
	return mustMarshal(Waiting{Type: TypeWaiting, Message: message})
}

func EncodeMatched(roomID string, peers []PeerInfo) []byte {
	return mustMarshal(Matched{Type: TypeMatched, RoomID: roomID, Peers: peers})
}

func EncodeUserLeft(userID string) []byte {
	return mustMarshal(UserLeft{Type: TypeUserLeft, UserID: userID})
}

func EncodeError(code, message string) []byte {
	return mustMarshal(Error{Type: TypeError, Code: code, Message: message})
}

// EncodeSignal stamps the sender and embeds the negotiation payload
// verbatim; json.RawMessage keeps the bytes untouched.
func EncodeSignal(msgType, from string, data json.RawMessage) []byte {
	return mustMarshal(Signal{Type: msgType, From: from, Data: data})
}

// mustMarshal is safe here: every wire struct marshals without error by
// construction.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
