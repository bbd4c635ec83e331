// Package presenter defines the callbacks the engine drives to keep a
// rendered conversation in step with its state. Every callback is optional;
// the engine never mutates anything through them.
package presenter

import "github.com/Cypherspark/agent-desk/internal/core"

type Header struct {
	ConversationID string
	Status         core.ConversationStatus
	Assignment     core.Assignment
	Assignee       *core.UserRef
}

type Hooks struct {
	StatusIcon      func(m core.Message)
	UnreadBadge     func(conversationID string, count int) // count 0 removes the badge
	HeaderStatus    func(h Header)
	ReplyAffordance func(conversationID string, visible bool)
	Reaction        func(m core.Message) // m.Reaction nil clears it
}

// The methods below are safe on a nil *Hooks.

// MessageStatus renders a message's status indicator.
func (h *Hooks) MessageStatus(m core.Message) {
	if h != nil && h.StatusIcon != nil {
		h.StatusIcon(m)
	}
}

func (h *Hooks) MessageReaction(m core.Message) {
	if h != nil && h.Reaction != nil {
		h.Reaction(m)
	}
}

// Unread renders the unread badge.
func (h *Hooks) Unread(conversationID string, count int) {
	if h != nil && h.UnreadBadge != nil {
		h.UnreadBadge(conversationID, count)
	}
}

// Conversation renders the header badge and, from the status, whether the
// agent may reply: closed hides the reply box and shows the reopen action.
func (h *Hooks) Conversation(c core.Conversation, me core.Agent) {
	if h == nil {
		return
	}
	if h.HeaderStatus != nil {
		h.HeaderStatus(Header{
			ConversationID: c.ID,
			Status:         c.Status,
			Assignment:     core.AssignmentFor(c.Assignee, me),
			Assignee:       c.Assignee,
		})
	}
	if h.ReplyAffordance != nil {
		h.ReplyAffordance(c.ID, c.Status != core.ConversationClosed)
	}
}
