package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPBackend talks to the conversation endpoints over plain HTTP.
type HTTPBackend struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) CloseConversation(ctx context.Context, conversationID string, req CloseRequest) error {
	return b.post(ctx, "close conversation", conversationID, "close", req)
}

func (b *HTTPBackend) ReopenConversation(ctx context.Context, conversationID string) error {
	return b.post(ctx, "reopen conversation", conversationID, "reopen", struct{}{})
}

func (b *HTTPBackend) SendReaction(ctx context.Context, conversationID string, req ReactionRequest) error {
	return b.post(ctx, "send reaction", conversationID, "reaction", req)
}

func (b *HTTPBackend) post(ctx context.Context, op, conversationID, action string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	endpoint := b.BaseURL + "/conversations/" + url.PathEscape(conversationID) + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var res Result
	decodeErr := json.Unmarshal(raw, &res)

	if resp.StatusCode >= 300 {
		reason := res.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		b.logger().Warn("collaborator refused", "op", op, "conversation_id", conversationID, "status", resp.StatusCode)
		return &RejectedError{Op: op, Reason: reason}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w", op, decodeErr)
	}
	if !res.Success {
		return &RejectedError{Op: op, Reason: res.Error}
	}
	return nil
}

func (b *HTTPBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
