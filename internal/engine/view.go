package engine

import (
	"context"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/reactions"
	"github.com/Cypherspark/agent-desk/internal/receipts"
	"github.com/Cypherspark/agent-desk/internal/reconciler"
)

// View is one conversation on the agent's screen. It is the only way the
// presentation layer reaches entity state: it issues intents and reads
// snapshots.
type View struct {
	id         string
	engine     *Engine
	store      *core.Store
	notifier   receipts.Notifier
	reconciler *reconciler.Reconciler
	receipts   *receipts.Observer
	reactions  *reactions.Synchronizer
}

type Snapshot struct {
	Conversation core.Conversation `json:"conversation"`
	Assignment   core.Assignment   `json:"assignment"`
	Messages     []core.Message    `json:"messages"`
	PendingReads int               `json:"pending_reads"`
}

func (v *View) ID() string { return v.id }

func (v *View) Notifier() receipts.Notifier { return v.notifier }

// Render records messages loaded by the UI, for example history fetched
// when the view opens. Unread incoming ones are put under observation.
func (v *View) Render(msgs ...core.Message) {
	for _, m := range msgs {
		m.ConversationID = v.id
		tracked, _ := v.reconciler.TrackIncoming(m)
		v.receipts.Watch(tracked)
	}
}

// TrackOutgoing records a message the agent is sending; Acknowledge binds
// the provider id once the server has it.
func (v *View) TrackOutgoing(content, mediaType string) core.Message {
	return v.reconciler.TrackOutgoing(content, mediaType)
}

func (v *View) Acknowledge(localID, externalID string) (core.Message, error) {
	return v.reconciler.Acknowledge(localID, externalID)
}

func (v *View) HandleVisibility(entries []receipts.Entry) {
	v.receipts.HandleVisibility(entries)
}

func (v *View) Close(ctx context.Context, reason, note string) error {
	return v.engine.lifecycle.Close(ctx, v.id, reason, note)
}

func (v *View) Reopen(ctx context.Context) error {
	return v.engine.lifecycle.Reopen(ctx, v.id)
}

// SendReaction reacts to the message known by messageID, a local or a
// provider id.
func (v *View) SendReaction(ctx context.Context, messageID, emoji string) error {
	externalID := ""
	if m, ok := v.store.Resolve(messageID); ok {
		messageID = m.LocalID
		if m.ExternalID != nil {
			externalID = *m.ExternalID
		}
	}
	return v.reactions.SendReaction(ctx, messageID, emoji, externalID)
}

func (v *View) Snapshot() Snapshot {
	conv, _ := v.engine.lifecycle.Snapshot(v.id)
	return Snapshot{
		Conversation: conv,
		Assignment:   core.AssignmentFor(conv.Assignee, v.engine.cfg.Agent),
		Messages:     v.store.List(),
		PendingReads: v.receipts.PendingLen(),
	}
}
