// Package engine ties the per-conversation components together. An Engine
// owns what is shared by every open conversation (transport, outbox,
// backend, lifecycle); a View is created when a conversation is opened on
// screen and discarded when it is torn down.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/lifecycle"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/outbox"
	"github.com/Cypherspark/agent-desk/internal/presenter"
	"github.com/Cypherspark/agent-desk/internal/provider"
	"github.com/Cypherspark/agent-desk/internal/reactions"
	"github.com/Cypherspark/agent-desk/internal/receipts"
	"github.com/Cypherspark/agent-desk/internal/reconciler"
	"github.com/Cypherspark/agent-desk/internal/transport"
)

var (
	ErrViewNotOpen  = errors.New("view_not_open")
	errEmptyPayload = errors.New("empty payload")
)

// Transport is the part of the session the engine drives directly.
type Transport interface {
	outbox.Transport
	OnConnect(fn func())
}

type Config struct {
	Agent          core.Agent
	Dwell          time.Duration
	Threshold      float64
	BackendTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// NewMessageFunc observes messages the engine learns about for the first time.
type NewMessageFunc func(conversationID string, m core.Message)

type Engine struct {
	ctx       context.Context
	transport Transport
	outbox    *outbox.Outbox
	backend   provider.Backend
	hooks     *presenter.Hooks
	lifecycle *lifecycle.Controller
	cfg       Config
	log       *slog.Logger

	mu    sync.RWMutex
	views map[string]*View
	subs  []NewMessageFunc
}

// New builds an engine. ctx bounds background commands such as read
// receipts and reconnect flushes.
func New(ctx context.Context, t Transport, ob *outbox.Outbox, backend provider.Backend, hooks *presenter.Hooks, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		ctx:       ctx,
		transport: t,
		outbox:    ob,
		backend:   backend,
		hooks:     hooks,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "engine"),
		views:     make(map[string]*View),
		lifecycle: lifecycle.New(cfg.Agent, backend, hooks, lifecycle.Options{
			Timeout: cfg.BackendTimeout,
			Logger:  cfg.Logger,
		}),
	}
	t.OnConnect(e.onConnect)
	return e
}

// OnNewMessage subscribes fn to new messages. Subscribers run in
// registration order on the dispatching goroutine.
func (e *Engine) OnNewMessage(fn NewMessageFunc) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func (e *Engine) Lifecycle() *lifecycle.Controller { return e.lifecycle }

func (e *Engine) Outbox() *outbox.Outbox { return e.outbox }

func (e *Engine) View(id string) (*View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.views[id]
	return v, ok
}

// Open creates the view for conv and joins its room. Opening a view that
// is already open refreshes the conversation state and returns it.
func (e *Engine) Open(conv core.Conversation, n receipts.Notifier) *View {
	e.lifecycle.Track(conv)

	e.mu.Lock()
	if v, ok := e.views[conv.ID]; ok {
		e.mu.Unlock()
		return v
	}
	v := e.newView(conv.ID, n)
	e.views[conv.ID] = v
	e.mu.Unlock()

	e.room(transport.EventJoin, conv.ID)
	e.log.Info("view opened", "conversation_id", conv.ID)
	return v
}

// Teardown discards the view: a pending read batch is dropped, observations
// are released and the room is left.
func (e *Engine) Teardown(id string) error {
	e.mu.Lock()
	v, ok := e.views[id]
	delete(e.views, id)
	e.mu.Unlock()
	if !ok {
		return ErrViewNotOpen
	}

	v.receipts.Stop()
	e.lifecycle.Untrack(id)
	e.room(transport.EventLeave, id)
	e.log.Info("view closed", "conversation_id", id)
	return nil
}

func (e *Engine) onConnect() {
	if n, err := e.outbox.Flush(e.ctx); err != nil {
		e.log.Warn("flush after reconnect incomplete", "sent", n, "err", err)
	}
	e.mu.RLock()
	ids := make([]string, 0, len(e.views))
	for id := range e.views {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		e.room(transport.EventJoin, id)
	}
}

// room sends join or leave. Both are dropped while disconnected; joins are
// repeated on every reconnect.
func (e *Engine) room(event, conversationID string) {
	_, err := e.outbox.Enqueue(e.ctx, event, transport.RoomPayload{Room: RoomName(conversationID)}, false)
	if err != nil && !errors.Is(err, outbox.ErrTransportUnavailable) {
		e.log.Warn("room command failed", "event", event, "conversation_id", conversationID, "err", err)
	}
}

func RoomName(conversationID string) string { return "conversation:" + conversationID }

// Dispatch handles one inbound event. Nothing it receives can make it
// fail: bad payloads and events for unknown entities are logged and
// dropped.
func (e *Engine) Dispatch(env transport.Envelope) {
	result := "applied"
	defer func() {
		if r := recover(); r != nil {
			result = "malformed"
			e.log.Error("inbound event panicked", "event", env.Event, "panic", r)
		}
		metrics.InboundEvents.WithLabelValues(env.Event, result).Inc()
	}()

	var err error
	switch env.Event {
	case transport.EventStatusUpdate:
		var p statusUpdate
		if err = decode(env.Payload, &p); err == nil {
			result = e.onStatus(p)
		}
	case transport.EventNewMessage:
		var p newMessage
		if err = decode(env.Payload, &p); err == nil {
			result = e.onNewMessage(p)
		}
	case transport.EventReactionUpdate:
		var p reactionUpdate
		if err = decode(env.Payload, &p); err == nil {
			result = e.onReaction(p)
		}
	case transport.EventConversationUpdated:
		var p conversationUpdate
		if err = decode(env.Payload, &p); err == nil {
			result = e.onConversation(p)
		}
	default:
		result = "unknown"
		e.log.Debug("unhandled event", "event", env.Event)
		return
	}
	if err != nil {
		result = "malformed"
		e.log.Warn("discarding malformed event", "event", env.Event, "err", err)
	}
}

func (e *Engine) onStatus(p statusUpdate) string {
	v, ok := e.View(p.ConversationID)
	if !ok {
		return "ignored"
	}
	ref := core.MessageRef{LocalID: p.MessageID, ExternalID: p.ExternalID}
	if ref.Empty() {
		return "malformed"
	}
	var changed bool
	if ref.LocalID != "" && ref.ExternalID != "" {
		_, changed = v.reconciler.ApplyUpdate(ref, p.Status)
	} else {
		id := ref.ExternalID
		if id == "" {
			id = ref.LocalID
		}
		changed = v.reconciler.ApplyStatus(id, p.Status)
	}
	if !changed {
		return "ignored"
	}
	if p.Status == core.StatusRead {
		v.receipts.Forget(ref)
	}
	return "applied"
}

func (e *Engine) onNewMessage(p newMessage) string {
	v, ok := e.View(p.ConversationID)
	if !ok {
		return "ignored"
	}
	m, created := v.reconciler.TrackIncoming(p.message())
	if !created {
		// an echo of something already known, possibly carrying its provider id
		if p.Status.Valid() {
			v.reconciler.ApplyUpdate(core.MessageRef{LocalID: p.MessageID, ExternalID: p.ExternalID}, p.Status)
		}
		return "ignored"
	}
	if m.Direction == core.Incoming {
		e.lifecycle.ObserveIncoming(p.ConversationID, m.Status != core.StatusRead)
		v.receipts.Watch(m)
	}
	e.hooks.MessageStatus(m)

	e.mu.RLock()
	subs := append([]NewMessageFunc(nil), e.subs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(p.ConversationID, m)
	}
	return "applied"
}

func (e *Engine) onReaction(p reactionUpdate) string {
	v, ok := e.View(p.ConversationID)
	if !ok {
		return "ignored"
	}
	if !v.reactions.ReceiveReaction(core.MessageRef{LocalID: p.MessageID, ExternalID: p.ExternalID}, p.Emoji) {
		return "ignored"
	}
	return "applied"
}

func (e *Engine) onConversation(p conversationUpdate) string {
	if p.ConversationID == "" {
		return "malformed"
	}
	if !e.lifecycle.ApplyRemote(p.ConversationID, p.Status, p.Assignee) {
		return "ignored"
	}
	return "applied"
}

func (e *Engine) newView(id string, n receipts.Notifier) *View {
	if n == nil {
		n = receipts.NewWatchSet()
	}
	store := core.NewStore()
	rec := reconciler.New(id, store, e.hooks, e.cfg.Clock, e.cfg.Logger)
	return &View{
		id:         id,
		engine:     e,
		store:      store,
		notifier:   n,
		reconciler: rec,
		receipts: receipts.NewObserver(id, store, n, rec, e.lifecycle, e.outbox, receipts.Options{
			Dwell:     e.cfg.Dwell,
			Threshold: e.cfg.Threshold,
			Clock:     e.cfg.Clock,
			Context:   e.ctx,
			Logger:    e.cfg.Logger,
		}),
		reactions: reactions.New(id, store, e.backend, e.cfg.Agent, e.hooks, reactions.Options{
			Timeout: e.cfg.BackendTimeout,
			Logger:  e.cfg.Logger,
		}),
	}
}
