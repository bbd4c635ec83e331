package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/transport"
)

var ErrTransportUnavailable = errors.New("transport_unavailable")

type Transport interface {
	IsConnected() bool
	Send(ctx context.Context, event string, payload any) error
}

// Journal persists deferred commands so they survive a restart.
type Journal interface {
	Append(ctx context.Context, cmd core.PendingCommand) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context) ([]core.PendingCommand, error)
}

type Outcome int

const (
	Sent Outcome = iota + 1
	Deferred
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

type Options struct {
	Journal    Journal // optional
	FlushQPS   float64 // 0 = unlimited
	FlushBurst int
	Clock      clock.Clock // stamps EnqueuedAt; defaults to the wall clock
	Logger     *slog.Logger
}

// Outbox delivers commands to the transport in the order they were
// accepted. A deferred command leaves the queue only after the transport
// took it, so a reconnect racing a late write can emit it twice.
type Outbox struct {
	transport Transport
	journal   Journal
	limiter   *rate.Limiter
	clock     clock.Clock
	log       *slog.Logger

	mu    sync.Mutex
	queue []core.PendingCommand
	seq   int64
}

func New(t Transport, opt Options) *Outbox {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{
		transport: t,
		journal:   opt.Journal,
		clock:     opt.Clock,
		log:       logger.With("component", "outbox"),
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if opt.FlushQPS > 0 {
		burst := opt.FlushBurst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(opt.FlushQPS), burst)
	}
	return o
}

// Enqueue sends the command now when the transport is up. Otherwise an
// important command is queued for the next flush and a non-important one
// is dropped with ErrTransportUnavailable.
func (o *Outbox) Enqueue(ctx context.Context, event string, payload any, important bool) (Outcome, error) {
	raw, err := transport.Encode(payload)
	if err != nil {
		metrics.OutboxEnqueue.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("enqueue %s: %w", event, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Important commands may only bypass the queue when nothing is ahead of them.
	if o.transport.IsConnected() && (!important || len(o.queue) == 0) {
		err := o.transport.Send(ctx, event, raw)
		if err == nil {
			metrics.OutboxEnqueue.WithLabelValues("sent").Inc()
			return Sent, nil
		}
		o.log.Debug("direct send failed", "event", event, "err", err)
	}

	if !important {
		metrics.OutboxEnqueue.WithLabelValues("dropped").Inc()
		return Dropped, fmt.Errorf("%s: %w", event, ErrTransportUnavailable)
	}

	o.seq++
	cmd := core.PendingCommand{
		ID:         uuid.NewString(),
		Seq:        o.seq,
		Event:      event,
		Payload:    raw,
		EnqueuedAt: o.clock.Now(),
	}
	if o.journal != nil {
		if err := o.journal.Append(ctx, cmd); err != nil {
			metrics.OutboxEnqueue.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("journal %s: %w", event, err)
		}
	}
	o.queue = append(o.queue, cmd)
	metrics.OutboxDepth.Set(float64(len(o.queue)))
	metrics.OutboxEnqueue.WithLabelValues("deferred").Inc()
	o.log.Debug("command deferred", "event", event, "depth", len(o.queue))
	return Deferred, nil
}

// Flush emits queued commands in order. It stops at the first send that
// fails and leaves that command and everything behind it queued.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sent := 0
	defer func() {
		metrics.OutboxDepth.Set(float64(len(o.queue)))
		metrics.OutboxFlushed.Add(float64(sent))
	}()

	for len(o.queue) > 0 {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return sent, err
			}
		}
		cmd := o.queue[0]
		if err := o.transport.Send(ctx, cmd.Event, json.RawMessage(cmd.Payload)); err != nil {
			o.log.Warn("flush interrupted", "event", cmd.Event, "remaining", len(o.queue), "err", err)
			return sent, err
		}
		o.queue = o.queue[1:]
		sent++
		if o.journal != nil {
			if err := o.journal.Remove(ctx, cmd.ID); err != nil {
				// the command may be replayed after a restart; receivers tolerate that
				o.log.Warn("journal remove failed", "id", cmd.ID, "err", err)
			}
		}
	}
	if sent > 0 {
		o.log.Info("outbox flushed", "sent", sent)
	}
	return sent, nil
}

// Restore loads journaled commands. It must run before the first Enqueue.
func (o *Outbox) Restore(ctx context.Context) (int, error) {
	if o.journal == nil {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) > 0 || o.seq > 0 {
		return 0, errors.New("restore after enqueue")
	}

	cmds, err := o.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Seq < cmds[j].Seq })
	if len(cmds) > 0 {
		o.seq = cmds[len(cmds)-1].Seq
	}
	o.queue = cmds
	metrics.OutboxDepth.Set(float64(len(o.queue)))
	return len(cmds), nil
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Pending returns a copy of the queue in delivery order.
func (o *Outbox) Pending() []core.PendingCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.PendingCommand(nil), o.queue...)
}
