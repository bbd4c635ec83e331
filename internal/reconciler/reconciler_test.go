package reconciler_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/presenter"
	"github.com/Cypherspark/agent-desk/internal/reconciler"
)

func newReconciler(t *testing.T) (*reconciler.Reconciler, *[]core.Message) {
	t.Helper()
	var rendered []core.Message
	hooks := &presenter.Hooks{StatusIcon: func(m core.Message) { rendered = append(rendered, m) }}
	r := reconciler.New("c1", core.NewStore(), hooks, clock.NewFake(time.Unix(1700000000, 0)), nil)
	return r, &rendered
}

func TestAdvance(t *testing.T) {
	cases := []struct {
		cur, next core.Status
		want      bool
	}{
		{core.StatusSending, core.StatusSent, true},
		{core.StatusSending, core.StatusRead, true},
		{core.StatusDelivered, core.StatusSent, false},
		{core.StatusRead, core.StatusDelivered, false},
		{core.StatusRead, core.StatusRead, false},
		{core.StatusRead, core.StatusFailed, true},
		{core.StatusSent, core.StatusFailed, true},
		{core.StatusFailed, core.StatusRead, false},
		{core.StatusFailed, core.StatusFailed, false},
		{core.StatusSent, core.Status("bogus"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, reconciler.Advance(tc.cur, tc.next), "%s -> %s", tc.cur, tc.next)
	}
}

func TestApplyStatus_NeverMovesBackward(t *testing.T) {
	forward := []core.Status{core.StatusSending, core.StatusSent, core.StatusDelivered, core.StatusRead}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		r, _ := newReconciler(t)
		m := r.TrackOutgoing("hi", "text")

		prev := core.StatusSending
		for step := 0; step < 12; step++ {
			next := forward[rng.Intn(len(forward))]
			r.ApplyStatus(m.LocalID, next)
			got, _ := r.Store().Resolve(m.LocalID)
			require.GreaterOrEqual(t, got.Status.Rank(), prev.Rank())
			prev = got.Status
		}

		r.ApplyStatus(m.LocalID, core.StatusFailed)
		got, _ := r.Store().Resolve(m.LocalID)
		require.Equal(t, core.StatusFailed, got.Status)

		r.ApplyStatus(m.LocalID, core.StatusRead)
		got, _ = r.Store().Resolve(m.LocalID)
		require.Equal(t, core.StatusFailed, got.Status)
	}
}

func TestDualIDConvergence(t *testing.T) {
	r, rendered := newReconciler(t)
	m := r.TrackOutgoing("hello", "text")
	require.Equal(t, core.StatusSending, m.Status)
	require.Nil(t, m.ExternalID)

	// the server's first update carries both ids
	_, changed := r.ApplyUpdate(core.MessageRef{LocalID: m.LocalID, ExternalID: "wamid.9"}, core.StatusSent)
	require.True(t, changed)

	// later updates carry only the provider id
	require.True(t, r.ApplyStatus("wamid.9", core.StatusDelivered))
	require.Equal(t, 1, r.Store().Len())

	got, ok := r.Store().Resolve(m.LocalID)
	require.True(t, ok)
	require.Equal(t, core.StatusDelivered, got.Status)
	require.Equal(t, "wamid.9", *got.ExternalID)

	// sending (track), sent, delivered
	require.Len(t, *rendered, 3)
}

func TestAcknowledge(t *testing.T) {
	r, _ := newReconciler(t)
	m := r.TrackOutgoing("hello", "")
	acked, err := r.Acknowledge(m.LocalID, "ext-1")
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, acked.Status)
	require.Equal(t, "ext-1", *acked.ExternalID)

	_, err = r.Acknowledge("missing", "ext-2")
	require.ErrorIs(t, err, core.ErrUnknownMessage)
}

func TestApplyStatus_UnknownAndStaleAreSilent(t *testing.T) {
	r, rendered := newReconciler(t)
	require.False(t, r.ApplyStatus("nobody", core.StatusRead))

	m, created := r.TrackIncoming(core.Message{ExternalID: ptr("in-1"), Status: core.StatusDelivered})
	require.True(t, created)
	require.Equal(t, core.Incoming, m.Direction)
	require.Equal(t, "c1", m.ConversationID)
	require.NotEmpty(t, m.LocalID)

	require.False(t, r.ApplyStatus("in-1", core.StatusSent))
	require.False(t, r.ApplyStatus("in-1", core.Status("weird")))
	require.Empty(t, *rendered)

	require.True(t, r.ApplyStatus("in-1", core.StatusRead))
	require.Len(t, *rendered, 1)
}

func TestTrackIncoming_DuplicateEventReturnsExisting(t *testing.T) {
	r, _ := newReconciler(t)
	first, created := r.TrackIncoming(core.Message{ExternalID: ptr("in-1"), Content: "hola"})
	require.True(t, created)
	require.Equal(t, core.StatusSent, first.Status)

	again, created := r.TrackIncoming(core.Message{ExternalID: ptr("in-1"), Content: "hola"})
	require.False(t, created)
	require.Equal(t, first.LocalID, again.LocalID)
	require.Equal(t, 1, r.Store().Len())
}

func ptr(s string) *string { return &s }
