package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/codepair/collab-engine/pkg/core"
)

// Inbound event names.
const (
	EventJoin           = "join"
	EventCodeChange     = "codeChange"
	EventLanguageChange = "languageChange"
	EventCursorChange   = "cursorChange"
)

// Outbound event names.
const (
	EventJoined           = "joined"
	EventJoinError        = "join-error"
	EventCodeUpdate       = "codeUpdate"
	EventLanguageUpdate   = "languageUpdate"
	EventCursorUpdate     = "cursorUpdate"
	EventParticipantCount = "participantCount"
	EventError            = "error"
)

// ErrMalformed marks an inbound frame that is missing required fields.
var ErrMalformed = fmt.Errorf("malformed message")

// ClientMessage is the inbound envelope. Which fields must be set depends on
// the event name; Decode enforces that. Code is a pointer so that an empty
// buffer is distinguishable from an absent field. Position is opaque to the
// server and relayed verbatim.
type ClientMessage struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	Code      *string         `json:"code,omitempty"`
	Language  string          `json:"language,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// JoinedPayload is the full session snapshot sent to a joining connection.
type JoinedPayload struct {
	Code             string        `json:"code"`
	Language         core.Language `json:"language"`
	ParticipantCount int           `json:"participantCount"`
}

// CursorPayload carries another participant's cursor movement.
type CursorPayload struct {
	ConnectionID string          `json:"connectionId"`
	Position     json.RawMessage `json:"position"`
}

// Decode parses an inbound frame and checks that the fields required by its
// event name are present. It does not validate field contents; language
// validity, for one, is the dispatcher's call.
func Decode(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Event {
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	case EventJoin:
		if msg.SessionID == "" {
			return ClientMessage{}, fmt.Errorf("%w: join requires sessionId", ErrMalformed)
		}
	case EventCodeChange:
		if msg.SessionID == "" || msg.Code == nil {
			return ClientMessage{}, fmt.Errorf("%w: codeChange requires sessionId and code", ErrMalformed)
		}
	case EventLanguageChange:
		if msg.SessionID == "" || msg.Language == "" {
			return ClientMessage{}, fmt.Errorf("%w: languageChange requires sessionId and language", ErrMalformed)
		}
	case EventCursorChange:
		if msg.SessionID == "" || len(msg.Position) == 0 {
			return ClientMessage{}, fmt.Errorf("%w: cursorChange requires sessionId and position", ErrMalformed)
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown event %q", ErrMalformed, msg.Event)
	}

	return msg, nil
}

// Joined builds the snapshot reply for a successful join.
func Joined(snap core.Snapshot) ServerMessage {
	return ServerMessage{Event: EventJoined, Payload: JoinedPayload{
		Code:             snap.Code,
		Language:         snap.Language,
		ParticipantCount: snap.ParticipantCount,
	}}
}

// JoinError builds the reply for a join against an unknown session.
func JoinError(message string) ServerMessage {
	return ServerMessage{Event: EventJoinError, Payload: message}
}

// CodeUpdate carries the current buffer content.
func CodeUpdate(code string) ServerMessage {
	return ServerMessage{Event: EventCodeUpdate, Payload: code}
}

// LanguageUpdate carries the current language tag.
func LanguageUpdate(lang core.Language) ServerMessage {
	return ServerMessage{Event: EventLanguageUpdate, Payload: lang}
}

// CursorUpdate carries a participant's cursor position to its peers.
func CursorUpdate(connID string, position json.RawMessage) ServerMessage {
	return ServerMessage{Event: EventCursorUpdate, Payload: CursorPayload{
		ConnectionID: connID,
		Position:     position,
	}}
}

// ParticipantCount carries the session's membership size after a join or
// leave.
func ParticipantCount(n int) ServerMessage {
	return ServerMessage{Event: EventParticipantCount, Payload: n}
}

// Error reports a rejected inbound event back to its sender.
func Error(message string) ServerMessage {
	return ServerMessage{Event: EventError, Payload: message}
}
