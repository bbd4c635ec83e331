package transport

import (
	"encoding/json"
	"fmt"
)

// Outbound events.
const (
	EventJoin     = "join"
	EventLeave    = "leave"
	EventMarkRead = "mark-messages-read"
)

// Inbound events.
const (
	EventStatusUpdate        = "message-status-update"
	EventNewMessage          = "new-message"
	EventReactionUpdate      = "reaction-update"
	EventConversationUpdated = "conversation-updated"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload is the body of join and leave.
type RoomPayload struct {
	Room string `json:"room"`
}

// Encode marshals payload unless it is already raw JSON.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
