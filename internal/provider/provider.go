package provider

import (
	"context"
	"errors"
	"fmt"
)

var ErrRejected = errors.New("rejected")

// Backend is the HTTP collaborator behind close, reopen and reactions.
type Backend interface {
	CloseConversation(ctx context.Context, conversationID string, req CloseRequest) error
	ReopenConversation(ctx context.Context, conversationID string) error
	SendReaction(ctx context.Context, conversationID string, req ReactionRequest) error
}

type CloseRequest struct {
	Reason string `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

type ReactionRequest struct {
	MessageID  string `json:"messageId"`
	ExternalID string `json:"externalId"`
	Emoji      string `json:"emoji"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// Result is the body every collaborator endpoint answers with.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RejectedError carries the server's refusal. Its message is meant to be
// shown to the agent as is.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("could not %s", e.Op)
	}
	return fmt.Sprintf("could not %s: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
