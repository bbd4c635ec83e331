package reactions_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/presenter"
	"github.com/Cypherspark/agent-desk/internal/provider"
	"github.com/Cypherspark/agent-desk/internal/reactions"
)

type fakeBackend struct {
	provider.Backend
	mu   sync.Mutex
	reqs []provider.ReactionRequest
	err  error
}

func (f *fakeBackend) SendReaction(_ context.Context, _ string, req provider.ReactionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func setup(t *testing.T) (*reactions.Synchronizer, *core.Store, *fakeBackend, *int) {
	t.Helper()
	store := core.NewStore()
	ext := "wamid.1"
	store.Track(core.Message{LocalID: "m1", ExternalID: &ext, Direction: core.Incoming, Status: core.StatusDelivered})
	store.Track(core.Message{LocalID: "m2", Direction: core.Outgoing, Status: core.StatusSending})

	renders := 0
	hooks := &presenter.Hooks{Reaction: func(core.Message) { renders++ }}
	b := &fakeBackend{}
	agent := core.Agent{ID: "u1", Name: "Ana"}
	return reactions.New("c1", store, b, agent, hooks, reactions.Options{}), store, b, &renders
}

func reaction(t *testing.T, store *core.Store, id string) *string {
	t.Helper()
	m, ok := store.Resolve(id)
	require.True(t, ok)
	return m.Reaction
}

func TestReceiveReaction_Idempotent(t *testing.T) {
	s, store, _, renders := setup(t)
	ref := core.MessageRef{ExternalID: "wamid.1"}

	require.True(t, s.ReceiveReaction(ref, "👍"))
	require.False(t, s.ReceiveReaction(ref, "👍"))
	require.Equal(t, "👍", *reaction(t, store, "m1"))
	require.Equal(t, 1, *renders)
}

func TestReceiveReaction_LastWriterWinsAndClear(t *testing.T) {
	s, store, _, _ := setup(t)
	ref := core.MessageRef{LocalID: "m1"}

	s.ReceiveReaction(ref, "👍")
	s.ReceiveReaction(ref, "❤️")
	require.Equal(t, "❤️", *reaction(t, store, "wamid.1"))

	require.True(t, s.ReceiveReaction(ref, ""))
	require.Nil(t, reaction(t, store, "m1"))
	require.False(t, s.ReceiveReaction(ref, ""))
}

func TestReceiveReaction_UnknownMessage(t *testing.T) {
	s, _, _, renders := setup(t)
	require.False(t, s.ReceiveReaction(core.MessageRef{ExternalID: "nope"}, "👍"))
	require.Zero(t, *renders)
}

func TestReceiveReaction_BindsNewExternalID(t *testing.T) {
	s, store, _, _ := setup(t)
	require.True(t, s.ReceiveReaction(core.MessageRef{LocalID: "m2", ExternalID: "wamid.2"}, "🔥"))
	m, ok := store.Resolve("wamid.2")
	require.True(t, ok)
	require.Equal(t, "m2", m.LocalID)
}

func TestSendReaction_AppliesAfterSuccess(t *testing.T) {
	s, store, b, _ := setup(t)

	require.NoError(t, s.SendReaction(context.Background(), "m1", "😀", ""))
	require.Equal(t, []provider.ReactionRequest{{
		MessageID: "m1", ExternalID: "wamid.1", Emoji: "😀", SenderID: "u1", SenderName: "Ana",
	}}, b.reqs)
	require.Equal(t, "😀", *reaction(t, store, "m1"))

	// the server echo changes nothing
	require.False(t, s.ReceiveReaction(core.MessageRef{ExternalID: "wamid.1"}, "😀"))
}

func TestSendReaction_RejectedLeavesReaction(t *testing.T) {
	s, store, b, _ := setup(t)
	s.ReceiveReaction(core.MessageRef{LocalID: "m1"}, "👍")
	b.err = &provider.RejectedError{Op: "send reaction", Reason: "too_old"}

	err := s.SendReaction(context.Background(), "wamid.1", "😀", "wamid.1")
	require.ErrorIs(t, err, provider.ErrRejected)
	require.Equal(t, "could not send reaction: too_old", err.Error())
	require.Equal(t, "👍", *reaction(t, store, "m1"))
}
