package engine

import (
	"encoding/json"
	"time"

	"github.com/Cypherspark/agent-desk/internal/core"
)

// Inbound payloads. Every message reference carries whichever of the two
// identifiers the sender knows.

type statusUpdate struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	ExternalID     string      `json:"externalId"`
	Status         core.Status `json:"status"`
}

type newMessage struct {
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId"`
	ExternalID     string         `json:"externalId"`
	Direction      core.Direction `json:"direction"`
	Status         core.Status    `json:"status"`
	Content        string         `json:"content"`
	MediaType      string         `json:"mediaType"`
	Timestamp      time.Time      `json:"timestamp"`
}

type reactionUpdate struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	ExternalID     string `json:"externalId"`
	Emoji          string `json:"emoji"`
}

type conversationUpdate struct {
	ConversationID string                  `json:"conversationId"`
	Status         core.ConversationStatus `json:"status"`
	Assignee       *core.UserRef           `json:"assignee"`
}

func (p newMessage) message() core.Message {
	m := core.Message{
		LocalID:        p.MessageID,
		ConversationID: p.ConversationID,
		Direction:      p.Direction,
		Status:         p.Status,
		Content:        p.Content,
		MediaType:      p.MediaType,
		Timestamp:      p.Timestamp,
	}
	if p.ExternalID != "" {
		id := p.ExternalID
		m.ExternalID = &id
	}
	return m
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, v)
}
