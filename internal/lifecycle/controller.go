// Package lifecycle owns open/assigned/closed state and unread counts for
// the conversations an agent has on screen.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/presenter"
	"github.com/Cypherspark/agent-desk/internal/provider"
)

var (
	ErrInFlight            = errors.New("another close or reopen is in progress")
	ErrUnknownConversation = errors.New("unknown_conversation")
)

const DefaultTimeout = 15 * time.Second

type Options struct {
	Timeout time.Duration // per backend call; stalled requests fail after it
	Logger  *slog.Logger
}

type state struct {
	conv core.Conversation
	// incoming counts customer messages observed. A close is only allowed to
	// land if no customer message arrived while it was in flight.
	incoming uint64
	busy     string // "close" | "reopen" | ""
	closeAt  uint64 // incoming when the in-flight close started

	// Our close lost to a customer reply but the server did close; its
	// conversation-updated echo must not close the conversation again.
	supersededClose bool
	echoSeen        bool // that echo already arrived while the close was in flight
}

type Controller struct {
	agent   core.Agent
	backend provider.Backend
	hooks   *presenter.Hooks
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	convs map[string]*state
}

func New(agent core.Agent, backend provider.Backend, hooks *presenter.Hooks, opt Options) *Controller {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		agent:   agent,
		backend: backend,
		hooks:   hooks,
		timeout: opt.Timeout,
		log:     logger.With("component", "lifecycle"),
		convs:   make(map[string]*state),
	}
}

// Track starts managing c, replacing whatever was known about it, and
// renders it.
func (c *Controller) Track(conv core.Conversation) {
	if conv.Status != core.ConversationClosed {
		conv.Status = conv.OpenStatus()
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	c.mu.Lock()
	st, ok := c.convs[conv.ID]
	if !ok {
		st = &state{}
		c.convs[conv.ID] = st
	}
	st.conv = conv
	c.mu.Unlock()

	c.render(conv)
	c.hooks.Unread(conv.ID, conv.UnreadCount)
}

// Untrack forgets a conversation whose view was torn down. A response for
// a request still in flight is then dropped.
func (c *Controller) Untrack(id string) {
	c.mu.Lock()
	delete(c.convs, id)
	c.mu.Unlock()
}

func (c *Controller) Snapshot(id string) (core.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.convs[id]
	if !ok {
		return core.Conversation{}, false
	}
	return copyConv(st.conv), true
}

// Assignment renders the assignee relative to the local agent.
func (c *Controller) Assignment(id string) core.Assignment {
	conv, _ := c.Snapshot(id)
	return core.AssignmentFor(conv.Assignee, c.agent)
}

// Close asks the backend to close the conversation. Nothing changes locally
// until the backend confirms. If a customer message is observed while the
// request is in flight, the conversation stays open and the confirmation
// is dropped.
func (c *Controller) Close(ctx context.Context, id, reason, note string) error {
	c.mu.Lock()
	st, err := c.beginLocked(id, "close")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	st.closeAt = st.incoming
	st.supersededClose = false
	st.echoSeen = false
	c.mu.Unlock()

	err = c.call(ctx, "close", func(ctx context.Context) error {
		return c.backend.CloseConversation(ctx, id, provider.CloseRequest{Reason: reason, Note: note})
	})

	c.mu.Lock()
	st, tracked := c.convs[id]
	if tracked {
		st.busy = ""
	}
	switch {
	case err != nil:
		c.mu.Unlock()
		metrics.LifecycleOps.WithLabelValues("close", "rejected").Inc()
		c.log.Info("close failed", "conversation_id", id, "err", err)
		return surface("close conversation", err)
	case !tracked:
		c.mu.Unlock()
		return nil
	case st.incoming != st.closeAt:
		st.supersededClose = !st.echoSeen
		c.mu.Unlock()
		metrics.LifecycleOps.WithLabelValues("close", "superseded").Inc()
		c.log.Info("close confirmed after customer reply; staying open", "conversation_id", id)
		return nil
	}
	st.conv.Status = core.ConversationClosed
	conv := copyConv(st.conv)
	c.mu.Unlock()

	metrics.LifecycleOps.WithLabelValues("close", "ok").Inc()
	c.render(conv)
	return nil
}

// Reopen asks the backend to reopen a closed conversation. On success the
// status follows the assignee.
func (c *Controller) Reopen(ctx context.Context, id string) error {
	c.mu.Lock()
	st, err := c.beginLocked(id, "reopen")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	st.supersededClose = false
	c.mu.Unlock()

	err = c.call(ctx, "reopen", func(ctx context.Context) error {
		return c.backend.ReopenConversation(ctx, id)
	})

	c.mu.Lock()
	st, tracked := c.convs[id]
	if tracked {
		st.busy = ""
	}
	if err != nil {
		c.mu.Unlock()
		metrics.LifecycleOps.WithLabelValues("reopen", "rejected").Inc()
		c.log.Info("reopen failed", "conversation_id", id, "err", err)
		return surface("reopen conversation", err)
	}
	if !tracked {
		c.mu.Unlock()
		return nil
	}
	st.conv.Status = st.conv.OpenStatus()
	conv := copyConv(st.conv)
	c.mu.Unlock()

	metrics.LifecycleOps.WithLabelValues("reopen", "ok").Inc()
	c.render(conv)
	return nil
}

// ObserveIncoming records a customer message: a closed conversation opens
// again without asking the backend, and the unread count grows unless the
// message arrived already read.
func (c *Controller) ObserveIncoming(id string, unread bool) {
	c.mu.Lock()
	st, ok := c.convs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.incoming++
	if unread {
		st.conv.UnreadCount++
	}
	reopened := st.conv.Status == core.ConversationClosed
	if reopened {
		st.conv.Status = st.conv.OpenStatus()
	}
	conv := copyConv(st.conv)
	c.mu.Unlock()

	if reopened {
		metrics.LifecycleOps.WithLabelValues("auto_reopen", "ok").Inc()
		c.log.Info("customer wrote back; conversation reopened", "conversation_id", id)
	}
	c.render(conv)
	c.hooks.Unread(id, conv.UnreadCount)
}

// ApplyRemote applies state pushed by the server, for example another
// agent closing or assigning the conversation. The echo of our own close
// is ignored when a customer reply superseded that close, whether it
// arrives before or after the backend's response.
func (c *Controller) ApplyRemote(id string, status core.ConversationStatus, assignee *core.UserRef) bool {
	switch status {
	case core.ConversationOpen, core.ConversationAssigned, core.ConversationClosed:
	default:
		c.log.Warn("unknown conversation status discarded", "conversation_id", id, "status", status)
		return false
	}

	c.mu.Lock()
	st, ok := c.convs[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	st.conv.Assignee = assignee
	switch {
	case status != core.ConversationClosed:
		st.conv.Status = st.conv.OpenStatus()
		st.supersededClose = false
	case st.busy == "close" && st.incoming != st.closeAt:
		st.conv.Status = st.conv.OpenStatus()
		st.echoSeen = true
		metrics.LifecycleOps.WithLabelValues("remote", "superseded").Inc()
	case st.supersededClose:
		st.conv.Status = st.conv.OpenStatus()
		st.supersededClose = false
		metrics.LifecycleOps.WithLabelValues("remote", "superseded").Inc()
	default:
		st.conv.Status = core.ConversationClosed
	}
	conv := copyConv(st.conv)
	c.mu.Unlock()

	c.render(conv)
	return true
}

// DecrementUnread lowers the unread count by n, never below zero, and
// returns what is left.
func (c *Controller) DecrementUnread(id string, n int) int {
	c.mu.Lock()
	st, ok := c.convs[id]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	st.conv.UnreadCount -= n
	if st.conv.UnreadCount < 0 {
		st.conv.UnreadCount = 0
	}
	left := st.conv.UnreadCount
	c.mu.Unlock()

	c.hooks.Unread(id, left)
	return left
}

func (c *Controller) beginLocked(id, op string) (*state, error) {
	st, ok := c.convs[id]
	if !ok {
		return nil, ErrUnknownConversation
	}
	if st.busy != "" {
		return nil, ErrInFlight
	}
	st.busy = op
	return st, nil
}

func (c *Controller) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	metrics.BackendDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

func (c *Controller) render(conv core.Conversation) {
	c.hooks.Conversation(conv, c.agent)
}

// surface turns err into the single message shown to the agent.
func surface(op string, err error) error {
	var rej *provider.RejectedError
	if errors.As(err, &rej) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("could not %s: request timed out: %w", op, err)
	}
	return fmt.Errorf("could not %s: %w", op, err)
}

func copyConv(conv core.Conversation) core.Conversation {
	if conv.Assignee != nil {
		a := *conv.Assignee
		conv.Assignee = &a
	}
	return conv
}
