package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/agent-desk/internal/clock"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/engine"
	httpapi "github.com/Cypherspark/agent-desk/internal/http"
	"github.com/Cypherspark/agent-desk/internal/outbox"
	"github.com/Cypherspark/agent-desk/internal/provider"
	"github.com/Cypherspark/agent-desk/internal/receipts"
)

type socket struct {
	up     bool
	events []string
}

func (s *socket) IsConnected() bool { return s.up }

func (s *socket) Send(_ context.Context, event string, _ any) error {
	if !s.up {
		return errors.New("down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *socket) OnConnect(func()) {}

type backend struct {
	closeErr error
}

func (b *backend) CloseConversation(context.Context, string, provider.CloseRequest) error {
	return b.closeErr
}

func (b *backend) ReopenConversation(context.Context, string) error { return nil }

func (b *backend) SendReaction(context.Context, string, provider.ReactionRequest) error { return nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type api struct {
	t       *testing.T
	h       http.Handler
	sock    *socket
	backend *backend
	clock   *clock.Fake
	eng     *engine.Engine
}

func startAPI(t *testing.T) *api {
	t.Helper()
	a := &api{t: t, sock: &socket{up: true}, backend: &backend{}, clock: clock.NewFake(time.Unix(1_700_000_000, 0))}
	a.eng = engine.New(context.Background(), a.sock, outbox.New(a.sock, outbox.Options{Clock: a.clock}), a.backend, nil, engine.Config{
		Agent: core.Agent{ID: "u1", Name: "Ana"},
		Clock: a.clock,
	})
	a.h = httpapi.NewServer(a.eng, a.sock, nil).Router()
	return a
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, req)
	return w
}

func snapshot(t *testing.T, w *httptest.ResponseRecorder) engine.Snapshot {
	t.Helper()
	var s engine.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return s
}

func TestViewLifecycle(t *testing.T) {
	a := startAPI(t)

	w := a.do("POST", "/views/c1", map[string]any{
		"status":       "open",
		"assignee":     map[string]string{"id": "u1"},
		"unread_count": 2,
		"messages": []map[string]any{
			{"external_id": "e1", "direction": "incoming", "status": "delivered", "content": "hi"},
			{"external_id": "e2", "direction": "incoming", "status": "delivered", "content": "there"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	s := snapshot(t, w)
	require.Equal(t, core.ConversationAssigned, s.Conversation.Status)
	require.Equal(t, core.AssignedToMe, s.Assignment)
	require.Len(t, s.Messages, 2)
	require.Equal(t, []string{"join"}, a.sock.events)

	// both visible, then the dwell elapses
	w = a.do("POST", "/views/c1/visibility", map[string]any{"entries": []map[string]any{
		{"ref": map[string]string{"externalId": "e1"}, "ratio": 1},
		{"ref": map[string]string{"externalId": "e2"}, "ratio": 0.6},
	}})
	require.Equal(t, http.StatusAccepted, w.Code)
	a.clock.Advance(receipts.DefaultDwell)
	require.Equal(t, []string{"join", "mark-messages-read"}, a.sock.events)

	s = snapshot(t, a.do("GET", "/views/c1", nil))
	require.Zero(t, s.Conversation.UnreadCount)
	for _, m := range s.Messages {
		require.Equal(t, core.StatusRead, m.Status)
	}

	w = a.do("POST", "/views/c1/close", map[string]string{"reason": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, core.ConversationClosed, snapshot(t, w).Conversation.Status)

	w = a.do("POST", "/views/c1/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, core.ConversationAssigned, snapshot(t, w).Conversation.Status)

	require.Equal(t, http.StatusNoContent, a.do("DELETE", "/views/c1", nil).Code)
	require.Equal(t, http.StatusNotFound, a.do("GET", "/views/c1", nil).Code)
	require.Equal(t, http.StatusNotFound, a.do("DELETE", "/views/c1", nil).Code)
}

func TestCloseRejected(t *testing.T) {
	a := startAPI(t)
	a.do("POST", "/views/c1", nil)
	a.backend.closeErr = &provider.RejectedError{Op: "close conversation", Reason: "has_open_tasks"}

	w := a.do("POST", "/views/c1/close", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "could not close conversation: has_open_tasks", body["error"])
	require.Equal(t, core.ConversationOpen, snapshot(t, a.do("GET", "/views/c1", nil)).Conversation.Status)
}

func TestOutgoingAckAndReaction(t *testing.T) {
	a := startAPI(t)
	a.do("POST", "/views/c1", nil)

	w := a.do("POST", "/views/c1/messages", map[string]string{"content": "on it"})
	require.Equal(t, http.StatusCreated, w.Code)
	var m core.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	require.Equal(t, core.StatusSending, m.Status)

	w = a.do("POST", "/views/c1/messages/"+m.LocalID+"/ack", map[string]string{"external_id": "wamid.5"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	require.Equal(t, core.StatusSent, m.Status)
	require.Equal(t, "wamid.5", *m.ExternalID)

	require.Equal(t, http.StatusNotFound, a.do("POST", "/views/c1/messages/nope/ack", map[string]string{"external_id": "x"}).Code)
	require.Equal(t, http.StatusBadRequest, a.do("POST", "/views/c1/messages", map[string]string{}).Code)

	w = a.do("POST", "/views/c1/messages/wamid.5/reaction", map[string]string{"emoji": "👍"})
	require.Equal(t, http.StatusOK, w.Code)
	s := snapshot(t, a.do("GET", "/views/c1", nil))
	require.Equal(t, "👍", *s.Messages[0].Reaction)
}

func TestUnknownViewAndBadBody(t *testing.T) {
	a := startAPI(t)
	require.Equal(t, http.StatusNotFound, a.do("POST", "/views/zz/close", nil).Code)

	req := httptest.NewRequest("POST", "/views/c1", bytes.NewBufferString(`{"unread_count":`))
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutboxEndpoint(t *testing.T) {
	a := startAPI(t)
	a.do("POST", "/views/c1", map[string]any{
		"messages": []map[string]any{{"external_id": "e1", "direction": "incoming", "status": "delivered"}},
	})
	a.sock.up = false
	a.do("POST", "/views/c1/visibility", map[string]any{"entries": []map[string]any{
		{"ref": map[string]string{"externalId": "e1"}, "ratio": 1},
	}})
	a.clock.Advance(receipts.DefaultDwell)

	var body struct {
		Depth   int                   `json:"depth"`
		Pending []core.PendingCommand `json:"pending"`
	}
	w := a.do("GET", "/outbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Depth)
	require.Equal(t, "mark-messages-read", body.Pending[0].Event)
}

func TestHealth(t *testing.T) {
	a := startAPI(t)
	require.Equal(t, http.StatusOK, a.do("GET", "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, a.do("GET", "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, a.do("GET", "/openapi.yaml", nil).Code)

	a.sock.up = false
	require.Equal(t, http.StatusServiceUnavailable, a.do("GET", "/readyz", nil).Code)

	a.sock.up = true
	h := httpapi.NewServer(a.eng, a.sock, pinger{err: errors.New("down")}).Router()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
