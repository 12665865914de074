// Package whatsapp implements the signed, rate-limited, idempotent batch
// ingest API for live WhatsApp messages (spec §4.8): token + HMAC
// authentication, per-client rate limiting, chat resolution, per-message
// dedupe, and debounced downstream extraction into offers.
package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageIn is one message in an ingest batch, as submitted by the
// collector (spec §4.8).
type MessageIn struct {
	ChatTitle    string          `json:"chat_title"`
	ChatType     string          `json:"chat_type,omitempty"`
	PlatformID   string          `json:"platform_id,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	ObservedAt   string          `json:"observed_at,omitempty"`
	SenderName   string          `json:"sender_name,omitempty"`
	SenderPhone  string          `json:"sender_phone,omitempty"`
	IsOutgoing   bool            `json:"is_outgoing,omitempty"`
	Text         string          `json:"text"`
	Media        json.RawMessage `json:"media,omitempty"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
}

// IngestRequest is the POST /integrations/whatsapp/ingest request body.
type IngestRequest struct {
	ClientID string      `json:"client_id"`
	Messages []MessageIn `json:"messages"`
}

const (
	maxBatchSize    = 500
	maxChatTitleLen = 200
	maxTextLen      = 5000
)

// Validate enforces the per-field and batch-size bounds of spec §4.8.
// Empty Messages is reported distinctly so the HTTP layer can return 422
// for it specifically, per spec's literal "Empty messages ⇒ 422".
func (r IngestRequest) Validate() error {
	if len(r.Messages) == 0 {
		return errEmptyBatch
	}
	if len(r.Messages) > maxBatchSize {
		return fmt.Errorf("messages: batch of %d exceeds limit of %d", len(r.Messages), maxBatchSize)
	}
	for i, m := range r.Messages {
		title := strings.TrimSpace(m.ChatTitle)
		if title == "" || len(m.ChatTitle) > maxChatTitleLen {
			return fmt.Errorf("messages[%d].chat_title: must be 1-%d characters", i, maxChatTitleLen)
		}
		if len(m.Text) == 0 || len(m.Text) > maxTextLen {
			return fmt.Errorf("messages[%d].text: must be 1-%d characters", i, maxTextLen)
		}
	}
	return nil
}

var errEmptyBatch = fmt.Errorf("messages: at least one message is required")

// Decision records what the pipeline did with one submitted message.
type Decision struct {
	ChatTitle         string `json:"chat_title"`
	PlatformID        string `json:"platform_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	ContentHash       string `json:"content_hash"`
	Status            string `json:"status"` // created, deduped, skipped
	Reason            string `json:"reason,omitempty"`
	WhatsAppMessageID string `json:"whatsapp_message_id,omitempty"`
}

// IngestResponse is the POST /integrations/whatsapp/ingest response body.
type IngestResponse struct {
	RequestID    string     `json:"request_id"`
	Accepted     int        `json:"accepted"`
	Created      int        `json:"created"`
	Deduped      int        `json:"deduped"`
	CreatedChats int        `json:"created_chats"`
	Decisions    []Decision `json:"decisions"`
}
