package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Dummy simulates the collaborator for local runs: a little latency and
// occasional refusals.
type Dummy struct {
	Latency     time.Duration
	FailPercent int

	mu    sync.Mutex
	calls []string
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailPercent: 3} }

func (d *Dummy) CloseConversation(ctx context.Context, conversationID string, _ CloseRequest) error {
	return d.call(ctx, "close conversation", "close:"+conversationID)
}

func (d *Dummy) ReopenConversation(ctx context.Context, conversationID string) error {
	return d.call(ctx, "reopen conversation", "reopen:"+conversationID)
}

func (d *Dummy) SendReaction(ctx context.Context, conversationID string, req ReactionRequest) error {
	return d.call(ctx, "send reaction", "reaction:"+conversationID+":"+req.Emoji)
}

// Calls lists what the dummy was asked to do, oldest first.
func (d *Dummy) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Dummy) call(ctx context.Context, op, record string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	d.mu.Lock()
	d.calls = append(d.calls, record)
	d.mu.Unlock()
	if rand.Intn(100) < d.FailPercent {
		return &RejectedError{Op: op, Reason: "provider_temporary_error"}
	}
	return nil
}
