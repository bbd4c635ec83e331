package reconciler

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/presenter"
)

// Advance reports whether a message in status cur may move to next.
// Forward moves only; failed is reachable from anywhere and left by nothing.
func Advance(cur, next core.Status) bool {
	if cur == core.StatusFailed || !next.Valid() {
		return false
	}
	if next == core.StatusFailed {
		return true
	}
	return next.Rank() > cur.Rank()
}

// Reconciler is the only writer of message status for one conversation view.
type Reconciler struct {
	conversationID string
	store          *core.Store
	hooks          *presenter.Hooks
	clock          clock.Clock
	log            *slog.Logger
}

func New(conversationID string, store *core.Store, hooks *presenter.Hooks, clk clock.Clock, logger *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		conversationID: conversationID,
		store:          store,
		hooks:          hooks,
		clock:          clk,
		log:            logger.With("component", "reconciler", "conversation_id", conversationID),
	}
}

// ApplyStatus moves the message known by id, a provider id or a local id,
// to status. It reports whether the status changed.
func (r *Reconciler) ApplyStatus(id string, status core.Status) bool {
	m, ok := r.store.Resolve(id)
	if !ok {
		metrics.StatusTransitions.WithLabelValues("unknown").Inc()
		r.log.Debug("status for unknown message discarded", "id", id, "status", status)
		return false
	}
	_, changed := r.ApplyUpdate(m.Ref(), status)
	return changed
}

// ApplyUpdate is ApplyStatus for events that carry both identifiers. A
// provider id the message did not have yet is bound even when the status
// itself is stale.
func (r *Reconciler) ApplyUpdate(ref core.MessageRef, status core.Status) (core.Message, bool) {
	if !status.Valid() {
		metrics.StatusTransitions.WithLabelValues("ignored").Inc()
		r.log.Warn("unknown status discarded", "ref", ref.String(), "status", status)
		return core.Message{}, false
	}

	msg, changed, err := r.store.Update(ref, func(m *core.Message) bool {
		if !Advance(m.Status, status) {
			return false
		}
		m.Status = status
		return true
	})
	switch {
	case errors.Is(err, core.ErrUnknownMessage):
		metrics.StatusTransitions.WithLabelValues("unknown").Inc()
		r.log.Debug("status for unknown message discarded", "ref", ref.String(), "status", status)
		return core.Message{}, false
	case err != nil:
		metrics.StatusTransitions.WithLabelValues("ignored").Inc()
		r.log.Warn("status update rejected", "ref", ref.String(), "err", err)
		return msg, false
	case !changed:
		metrics.StatusTransitions.WithLabelValues("ignored").Inc()
		r.log.Debug("stale status ignored", "ref", ref.String(), "current", msg.Status, "status", status)
		return msg, false
	}

	metrics.StatusTransitions.WithLabelValues("accepted").Inc()
	r.hooks.MessageStatus(msg)
	return msg, true
}

// TrackOutgoing records a message the agent is sending. It starts in
// sending and is addressable only by its new local id.
func (r *Reconciler) TrackOutgoing(content, mediaType string) core.Message {
	m, _ := r.store.Track(core.Message{
		LocalID:        uuid.NewString(),
		ConversationID: r.conversationID,
		Direction:      core.Outgoing,
		Status:         core.StatusSending,
		Content:        content,
		MediaType:      mediaType,
		Timestamp:      r.clock.Now(),
	})
	r.hooks.MessageStatus(m)
	return m
}

// Acknowledge binds the provider id the server assigned to a local message
// and moves it to sent.
func (r *Reconciler) Acknowledge(localID, externalID string) (core.Message, error) {
	if _, err := r.store.BindExternal(localID, externalID); err != nil {
		return core.Message{}, err
	}
	msg, _ := r.ApplyUpdate(core.MessageRef{LocalID: localID, ExternalID: externalID}, core.StatusSent)
	if msg.LocalID == "" {
		msg, _ = r.store.Resolve(localID)
	}
	return msg, nil
}

// TrackIncoming records a message first seen through an event or a render.
// created is false when either identifier was already known.
func (r *Reconciler) TrackIncoming(m core.Message) (core.Message, bool) {
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.ConversationID == "" {
		m.ConversationID = r.conversationID
	}
	if m.Direction == "" {
		m.Direction = core.Incoming
	}
	if !m.Status.Valid() {
		m.Status = core.StatusSent
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.clock.Now()
	}
	return r.store.Track(m)
}

func (r *Reconciler) Store() *core.Store { return r.store }
