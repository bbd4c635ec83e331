package core_test

import (
	"testing"
	"time"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestStatusOrder(t *testing.T) {
	require.Less(t, core.StatusSending.Rank(), core.StatusSent.Rank())
	require.Less(t, core.StatusSent.Rank(), core.StatusDelivered.Rank())
	require.Less(t, core.StatusDelivered.Rank(), core.StatusRead.Rank())
	require.True(t, core.StatusFailed.Valid())
	require.False(t, core.Status("bogus").Valid())
	require.True(t, core.StatusRead.Terminal())
	require.True(t, core.StatusFailed.Terminal())
	require.False(t, core.StatusSent.Terminal())
}

func TestTrack_DeduplicatesByEitherID(t *testing.T) {
	s := core.NewStore()
	_, created := s.Track(core.Message{LocalID: "l1", ConversationID: "c1"})
	require.True(t, created)

	m, created := s.Track(core.Message{LocalID: "l1", ExternalID: ptr("wamid.1")})
	require.False(t, created)
	require.Equal(t, "wamid.1", *m.ExternalID)

	_, created = s.Track(core.Message{LocalID: "other", ExternalID: ptr("wamid.1")})
	require.False(t, created)
	require.Equal(t, 1, s.Len())
}

func TestResolve_PrefersExternalID(t *testing.T) {
	s := core.NewStore()
	s.Track(core.Message{LocalID: "a", ExternalID: ptr("b"), Content: "first"})
	s.Track(core.Message{LocalID: "b", Content: "second"})

	m, ok := s.Resolve("b")
	require.True(t, ok)
	require.Equal(t, "first", m.Content)

	m, ok = s.Resolve("a")
	require.True(t, ok)
	require.Equal(t, "first", m.Content)

	_, ok = s.Resolve("missing")
	require.False(t, ok)
}

func TestUpdate_BindsExternalIDOnce(t *testing.T) {
	s := core.NewStore()
	s.Track(core.Message{LocalID: "l1"})

	_, changed, err := s.Update(core.MessageRef{LocalID: "l1", ExternalID: "x1"}, func(m *core.Message) bool {
		m.Status = core.StatusSent
		return true
	})
	require.NoError(t, err)
	require.True(t, changed)

	m, ok := s.Lookup(core.MessageRef{ExternalID: "x1"})
	require.True(t, ok)
	require.Equal(t, "l1", m.LocalID)
	require.Equal(t, core.StatusSent, m.Status)

	_, err = s.BindExternal("l1", "x2")
	require.ErrorIs(t, err, core.ErrIDConflict)

	_, _, err = s.Update(core.MessageRef{LocalID: "nope"}, func(*core.Message) bool { return true })
	require.ErrorIs(t, err, core.ErrUnknownMessage)
}

func TestUpdate_RejectedChangeIsDiscarded(t *testing.T) {
	s := core.NewStore()
	s.Track(core.Message{LocalID: "l1", Status: core.StatusSent})
	_, changed, err := s.Update(core.MessageRef{LocalID: "l1"}, func(m *core.Message) bool {
		m.Status = core.StatusSending
		return false
	})
	require.NoError(t, err)
	require.False(t, changed)
	m, _ := s.Resolve("l1")
	require.Equal(t, core.StatusSent, m.Status)
}

func TestList_SortedByTimestamp(t *testing.T) {
	s := core.NewStore()
	now := time.Now()
	s.Track(core.Message{LocalID: "late", Timestamp: now.Add(time.Minute)})
	s.Track(core.Message{LocalID: "early", Timestamp: now})
	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "early", list[0].LocalID)
}

func TestAssignmentFor(t *testing.T) {
	me := core.Agent{ID: "u1", Name: "Ana"}
	require.Equal(t, core.Unassigned, core.AssignmentFor(nil, me))
	require.Equal(t, core.AssignedToMe, core.AssignmentFor(&core.UserRef{ID: "u1"}, me))
	require.Equal(t, core.AssignedToOther, core.AssignmentFor(&core.UserRef{ID: "u2"}, me))
	require.Equal(t, core.ConversationAssigned, core.Conversation{Assignee: &core.UserRef{ID: "u2"}}.OpenStatus())
	require.Equal(t, core.ConversationOpen, core.Conversation{}.OpenStatus())
}
