// Package reactions keeps the single reaction a message may carry in step
// with the server. The last write wins whichever side it comes from.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/presenter"
	"github.com/Cypherspark/agent-desk/internal/provider"
)

const DefaultTimeout = 15 * time.Second

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

type Synchronizer struct {
	conversationID string
	store          *core.Store
	backend        provider.Backend
	agent          core.Agent
	hooks          *presenter.Hooks
	timeout        time.Duration
	log            *slog.Logger
}

func New(conversationID string, store *core.Store, backend provider.Backend, agent core.Agent, hooks *presenter.Hooks, opt Options) *Synchronizer {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		conversationID: conversationID,
		store:          store,
		backend:        backend,
		agent:          agent,
		hooks:          hooks,
		timeout:        opt.Timeout,
		log:            logger.With("component", "reactions", "conversation_id", conversationID),
	}
}

// SendReaction posts the agent's reaction and applies it locally once the
// backend accepts it. An empty emoji removes the reaction.
func (s *Synchronizer) SendReaction(ctx context.Context, messageID, emoji, externalID string) error {
	ref := core.MessageRef{LocalID: messageID, ExternalID: externalID}
	if m, ok := s.store.Lookup(ref); ok {
		ref = m.Ref()
	} else if m, ok := s.store.Resolve(messageID); ok {
		ref = m.Ref()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := s.backend.SendReaction(ctx, s.conversationID, provider.ReactionRequest{
		MessageID:  ref.LocalID,
		ExternalID: ref.ExternalID,
		Emoji:      emoji,
		SenderID:   s.agent.ID,
		SenderName: s.agent.Name,
	})
	metrics.BackendDuration.WithLabelValues("reaction").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReactionOps.WithLabelValues("local", "rejected").Inc()
		s.log.Info("reaction failed", "ref", ref.String(), "err", err)
		var rej *provider.RejectedError
		if errors.As(err, &rej) {
			return err
		}
		return fmt.Errorf("could not send reaction: %w", err)
	}

	s.apply("local", ref, emoji)
	return nil
}

// ReceiveReaction applies a reaction reported by the server. Receiving the
// same reaction again changes nothing.
func (s *Synchronizer) ReceiveReaction(ref core.MessageRef, emoji string) bool {
	return s.apply("remote", ref, emoji)
}

func (s *Synchronizer) apply(origin string, ref core.MessageRef, emoji string) bool {
	msg, changed, err := s.store.Update(ref, func(m *core.Message) bool {
		switch {
		case emoji == "" && m.Reaction == nil:
			return false
		case emoji == "":
			m.Reaction = nil
			return true
		case m.Reaction != nil && *m.Reaction == emoji:
			return false
		}
		e := emoji
		m.Reaction = &e
		return true
	})
	switch {
	case errors.Is(err, core.ErrUnknownMessage):
		metrics.ReactionOps.WithLabelValues(origin, "unknown").Inc()
		s.log.Debug("reaction for unknown message discarded", "ref", ref.String())
		return false
	case err != nil:
		metrics.ReactionOps.WithLabelValues(origin, "unknown").Inc()
		s.log.Warn("reaction rejected", "ref", ref.String(), "err", err)
		return false
	case !changed:
		metrics.ReactionOps.WithLabelValues(origin, "unchanged").Inc()
		return false
	}
	metrics.ReactionOps.WithLabelValues(origin, "applied").Inc()
	s.hooks.MessageReaction(msg)
	return true
}
