package presenter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/presenter"
)

func TestNilHooksAreNoops(t *testing.T) {
	var h *presenter.Hooks
	h.MessageStatus(core.Message{})
	h.Unread("c1", 3)
	h.Conversation(core.Conversation{ID: "c1"}, core.Agent{})

	partial := &presenter.Hooks{}
	partial.Conversation(core.Conversation{ID: "c1"}, core.Agent{})
}

func TestConversation_ClosedHidesReply(t *testing.T) {
	var header presenter.Header
	reply := map[string]bool{}
	h := &presenter.Hooks{
		HeaderStatus:    func(hd presenter.Header) { header = hd },
		ReplyAffordance: func(id string, visible bool) { reply[id] = visible },
	}
	me := core.Agent{ID: "u1"}

	h.Conversation(core.Conversation{ID: "c1", Status: core.ConversationClosed}, me)
	require.False(t, reply["c1"])
	require.Equal(t, core.Unassigned, header.Assignment)

	h.Conversation(core.Conversation{ID: "c1", Status: core.ConversationAssigned, Assignee: &core.UserRef{ID: "u2"}}, me)
	require.True(t, reply["c1"])
	require.Equal(t, core.AssignedToOther, header.Assignment)
	require.Equal(t, core.ConversationAssigned, header.Status)
}
