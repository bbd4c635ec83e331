package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/engine"
	"github.com/Cypherspark/agent-desk/internal/lifecycle"
	"github.com/Cypherspark/agent-desk/internal/provider"
	"github.com/Cypherspark/agent-desk/internal/receipts"
)

type Connectivity interface {
	IsConnected() bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the agent-side control API: the UI posts intents and reads
// snapshots; it never writes entity state itself.
type Server struct {
	Engine    *engine.Engine
	Transport Connectivity
	DB        Pinger // optional
	Log       *slog.Logger
}

func NewServer(eng *engine.Engine, tr Connectivity, db Pinger) *Server {
	return &Server{Engine: eng, Transport: tr, DB: db, Log: slog.Default().With("component", "http")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/views/{id}", func(r chi.Router) {
		r.Post("/", s.openView)
		r.Get("/", s.getView)
		r.Delete("/", s.closeView)
		r.Post("/close", s.closeConversation)
		r.Post("/reopen", s.reopenConversation)
		r.Post("/visibility", s.visibility)
		r.Post("/messages", s.trackOutgoing)
		r.Post("/messages/{mid}/ack", s.acknowledge)
		r.Post("/messages/{mid}/reaction", s.react)
	})
	r.Get("/outbox", s.getOutbox)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) (*engine.View, bool) {
	v, ok := s.Engine.View(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "view_not_open")
	}
	return v, ok
}

func (s *Server) openView(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status      core.ConversationStatus `json:"status"`
		Assignee    *core.UserRef           `json:"assignee"`
		UnreadCount int                     `json:"unread_count"`
		Messages    []core.Message          `json:"messages"`
	}
	if err := decode(r, &in); err != nil || in.UnreadCount < 0 {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	v := s.Engine.Open(core.Conversation{
		ID:          chi.URLParam(r, "id"),
		Status:      in.Status,
		Assignee:    in.Assignee,
		UnreadCount: in.UnreadCount,
	}, nil)
	v.Render(in.Messages...)
	writeJSON(w, http.StatusCreated, v.Snapshot())
}

func (s *Server) getView(w http.ResponseWriter, r *http.Request) {
	if v, ok := s.view(w, r); ok {
		writeJSON(w, http.StatusOK, v.Snapshot())
	}
}

func (s *Server) closeView(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Teardown(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "view_not_open")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeConversation(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	var in provider.CloseRequest
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := v.Close(r.Context(), in.Reason, in.Note); err != nil {
		s.operationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (s *Server) reopenConversation(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	if err := v.Reopen(r.Context()); err != nil {
		s.operationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (s *Server) react(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	var in struct {
		Emoji string `json:"emoji"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := v.SendReaction(r.Context(), chi.URLParam(r, "mid"), in.Emoji); err != nil {
		s.operationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) visibility(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	var in struct {
		Entries []receipts.Entry `json:"entries"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	v.HandleVisibility(in.Entries)
	writeJSON(w, http.StatusAccepted, map[string]int{"pending_reads": v.Snapshot().PendingReads})
}

func (s *Server) trackOutgoing(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	var in struct {
		Content   string `json:"content"`
		MediaType string `json:"media_type"`
	}
	if err := decode(r, &in); err != nil || (in.Content == "" && in.MediaType == "") {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	writeJSON(w, http.StatusCreated, v.TrackOutgoing(in.Content, in.MediaType))
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	var in struct {
		ExternalID string `json:"external_id"`
	}
	if err := decode(r, &in); err != nil || in.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	m, err := v.Acknowledge(chi.URLParam(r, "mid"), in.ExternalID)
	switch {
	case errors.Is(err, core.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, "unknown_message")
		return
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getOutbox(w http.ResponseWriter, _ *http.Request) {
	pending := s.Engine.Outbox().Pending()
	writeJSON(w, http.StatusOK, map[string]any{"depth": len(pending), "pending": pending})
}

// operationError maps a failed agent operation to a status code. The body
// carries the message meant for the agent.
func (s *Server) operationError(w http.ResponseWriter, err error) {
	var rej *provider.RejectedError
	switch {
	case errors.Is(err, lifecycle.ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rej):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.Log.Warn("operation failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
