package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/outbox"
	"github.com/Cypherspark/agent-desk/internal/transport"
)

const (
	DefaultDwell     = 1500 * time.Millisecond
	DefaultThreshold = 0.5
)

type Outbox interface {
	Enqueue(ctx context.Context, event string, payload any, important bool) (outbox.Outcome, error)
}

type StatusApplier interface {
	ApplyUpdate(ref core.MessageRef, status core.Status) (core.Message, bool)
}

type UnreadCounter interface {
	DecrementUnread(conversationID string, n int) int
}

// MarkReadPayload is the body of mark-messages-read.
type MarkReadPayload struct {
	ConversationID string            `json:"conversationId"`
	Messages       []core.MessageRef `json:"messages"`
	Timestamp      time.Time         `json:"timestamp"`
}

type Options struct {
	Dwell     time.Duration
	Threshold float64
	Clock     clock.Clock
	Context   context.Context // used for the outbound command
	Logger    *slog.Logger
}

// Observer turns visibility of unread incoming messages into batched read
// receipts. The first message to become visible starts the dwell timer;
// everything that becomes visible before it fires joins the same batch.
type Observer struct {
	conversationID string
	store          *core.Store
	notifier       Notifier
	status         StatusApplier
	unread         UnreadCounter
	outbox         Outbox
	opt            Options
	log            *slog.Logger

	mu      sync.Mutex
	watched map[string]core.MessageRef // local id -> ref handed to the notifier
	pending map[string]core.MessageRef // local id -> ref
	order   []string
	timer   clock.Timer
	gen     uint64 // identifies the live timer
	stopped bool
}

func NewObserver(conversationID string, store *core.Store, n Notifier, status StatusApplier, unread UnreadCounter, ob Outbox, opt Options) *Observer {
	if opt.Dwell <= 0 {
		opt.Dwell = DefaultDwell
	}
	if opt.Threshold <= 0 {
		opt.Threshold = DefaultThreshold
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Context == nil {
		opt.Context = context.Background()
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		conversationID: conversationID,
		store:          store,
		notifier:       n,
		status:         status,
		unread:         unread,
		outbox:         ob,
		opt:            opt,
		log:            logger.With("component", "receipts", "conversation_id", conversationID),
		watched:        make(map[string]core.MessageRef),
		pending:        make(map[string]core.MessageRef),
	}
}

// Watch starts observing m if it is an unread incoming message.
func (o *Observer) Watch(m core.Message) {
	if m.Direction != core.Incoming || m.Status.Terminal() {
		return
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if _, ok := o.watched[m.LocalID]; ok {
		o.mu.Unlock()
		return
	}
	ref := m.Ref()
	o.watched[m.LocalID] = ref
	o.mu.Unlock()

	o.notifier.Observe(ref)
}

// Forget stops observing the message addressed by ref.
func (o *Observer) Forget(ref core.MessageRef) {
	m, ok := o.store.Lookup(ref)
	if !ok {
		return
	}
	o.mu.Lock()
	watchedRef, watching := o.watched[m.LocalID]
	delete(o.watched, m.LocalID)
	o.mu.Unlock()
	if watching {
		o.notifier.Unobserve(watchedRef)
	}
}

// HandleVisibility takes one batch of notifier callbacks. Messages at or
// above the threshold join the pending batch; a message that scrolled out
// before the dwell elapsed leaves it again.
func (o *Observer) HandleVisibility(entries []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}

	for _, e := range entries {
		m, ok := o.store.Lookup(e.Ref)
		if !ok {
			o.log.Debug("visibility for unknown message", "ref", e.Ref.String())
			continue
		}
		if e.Ratio < o.opt.Threshold {
			o.removePendingLocked(m.LocalID)
			continue
		}
		if m.Direction != core.Incoming || m.Status == core.StatusRead {
			continue
		}
		if _, dup := o.pending[m.LocalID]; dup {
			continue
		}
		o.pending[m.LocalID] = m.Ref()
		o.order = append(o.order, m.LocalID)
	}

	switch {
	case len(o.pending) > 0 && o.timer == nil:
		o.gen++
		gen := o.gen
		o.timer = o.opt.Clock.AfterFunc(o.opt.Dwell, func() { o.fire(gen) })
	case len(o.pending) == 0 && o.timer != nil:
		o.timer.Stop()
		o.timer = nil
	}
}

// PendingLen is the size of the batch waiting for the dwell timer.
func (o *Observer) PendingLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Stop cancels a pending batch and releases every observation.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	refs := make([]core.MessageRef, 0, len(o.watched))
	for _, ref := range o.watched {
		refs = append(refs, ref)
	}
	o.watched = map[string]core.MessageRef{}
	o.pending = map[string]core.MessageRef{}
	o.order = nil
	o.mu.Unlock()

	for _, ref := range refs {
		o.notifier.Unobserve(ref)
	}
}

func (o *Observer) removePendingLocked(localID string) {
	if _, ok := o.pending[localID]; !ok {
		return
	}
	delete(o.pending, localID)
	for i, id := range o.order {
		if id == localID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *Observer) fire(gen uint64) {
	o.mu.Lock()
	if o.stopped || gen != o.gen || o.timer == nil {
		o.mu.Unlock()
		return
	}
	if len(o.order) == 0 {
		o.timer = nil
		o.mu.Unlock()
		return
	}
	batch := make([]core.MessageRef, 0, len(o.order))
	var unobserve []core.MessageRef
	for _, id := range o.order {
		// the provider id may have been bound since the message became visible
		ref := o.pending[id]
		if m, ok := o.store.Lookup(core.MessageRef{LocalID: id}); ok {
			ref = m.Ref()
		}
		batch = append(batch, ref)
		if ref, ok := o.watched[id]; ok {
			unobserve = append(unobserve, ref)
			delete(o.watched, id)
		}
	}
	o.pending = make(map[string]core.MessageRef)
	o.order = nil
	o.timer = nil
	o.mu.Unlock()

	for _, ref := range batch {
		o.status.ApplyUpdate(ref, core.StatusRead)
	}
	for _, ref := range unobserve {
		o.notifier.Unobserve(ref)
	}

	payload := MarkReadPayload{
		ConversationID: o.conversationID,
		Messages:       batch,
		Timestamp:      o.opt.Clock.Now().UTC(),
	}
	if _, err := o.outbox.Enqueue(o.opt.Context, transport.EventMarkRead, payload, true); err != nil {
		o.log.Warn("mark read not accepted", "count", len(batch), "err", err)
	}
	metrics.ReceiptBatches.Inc()
	metrics.ReceiptBatchSize.Observe(float64(len(batch)))

	left := o.unread.DecrementUnread(o.conversationID, len(batch))
	o.log.Debug("read receipts emitted", "count", len(batch), "unread", left)
}
