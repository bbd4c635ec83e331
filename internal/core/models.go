package core

import (
	"time"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Status is the delivery state of a message. The forward order is
// sending < sent < delivered < read; failed sits outside the order.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Rank returns the position of s in the forward order, 0 for failed or unknown.
func (s Status) Rank() int { return statusRank[s] }

// Terminal reports whether no forward transition can leave s.
func (s Status) Terminal() bool { return s == StatusRead || s == StatusFailed }

type Message struct {
	LocalID        string    `json:"local_id"`
	ExternalID     *string   `json:"external_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	Reaction       *string   `json:"reaction,omitempty"`
	Content        string    `json:"content"`
	MediaType      string    `json:"media_type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Ref returns the dual identifier of the message.
func (m Message) Ref() MessageRef {
	r := MessageRef{LocalID: m.LocalID}
	if m.ExternalID != nil {
		r.ExternalID = *m.ExternalID
	}
	return r
}

// MessageRef addresses a message by local id, provider id, or both.
type MessageRef struct {
	LocalID    string `json:"messageId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

func (r MessageRef) Empty() bool { return r.LocalID == "" && r.ExternalID == "" }

func (r MessageRef) String() string {
	if r.ExternalID == "" {
		return r.LocalID
	}
	if r.LocalID == "" {
		return r.ExternalID
	}
	return r.LocalID + "/" + r.ExternalID
}

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationAssigned ConversationStatus = "assigned"
	ConversationClosed   ConversationStatus = "closed"
)

type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Conversation struct {
	ID          string             `json:"id"`
	Status      ConversationStatus `json:"status"`
	Assignee    *UserRef           `json:"assignee,omitempty"`
	UnreadCount int                `json:"unread_count"`
}

// OpenStatus is the non-closed status implied by the assignee.
func (c Conversation) OpenStatus() ConversationStatus {
	if c.Assignee != nil {
		return ConversationAssigned
	}
	return ConversationOpen
}

// Agent is the local human operator the view belongs to.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Assignment string

const (
	Unassigned      Assignment = "unassigned"
	AssignedToMe    Assignment = "assigned_to_me"
	AssignedToOther Assignment = "assigned_to_other"
)

// AssignmentFor renders an assignee reference relative to the local agent.
func AssignmentFor(assignee *UserRef, me Agent) Assignment {
	switch {
	case assignee == nil || assignee.ID == "":
		return Unassigned
	case assignee.ID == me.ID:
		return AssignedToMe
	default:
		return AssignedToOther
	}
}

// PendingCommand is an outbox entry awaiting emission.
type PendingCommand struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Event      string    `json:"event"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
