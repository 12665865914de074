package whatsapp

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/brunobiangulo/pricebot/processor"
	"github.com/brunobiangulo/pricebot/store"
)

// Extractor runs the debounced post-ingest extraction step for a chat:
// read its recent messages, parse them into offers, and ingest those
// offers (spec §4.8.6). Implemented by the root package to avoid an
// import cycle (whatsapp must not import the pricebot package).
type Extractor interface {
	ExtractAndIngest(ctx context.Context, chatID string) error
}

// MetricsSink receives WhatsApp ingest counters for GET /metrics.
type MetricsSink interface {
	IncWhatsAppCreated()
	IncWhatsAppDeduped()
}

// ErrUnauthorized is returned when the client token is missing or wrong.
var ErrUnauthorized = errors.New("whatsapp: unauthorized")

// ErrForbidden is returned when signature verification fails.
var ErrForbidden = errors.New("whatsapp: forbidden")

// ErrServiceUnavailable is returned when the ingest endpoint is mounted
// in production without a configured server-side token (spec §4.8.1).
var ErrServiceUnavailable = errors.New("whatsapp: service unavailable")

// ErrRateLimited is returned when the client has exceeded its rate limit.
// RetryAfter carries the recommended backoff.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string { return "whatsapp: rate limited" }

// Config bundles the tunables a Service needs from the root pricebot.Config
// (spec §4.8, §5).
type Config struct {
	Token             string
	HMACSecret        string
	SignatureTTL      time.Duration
	RateLimitPerMin   int
	RateLimitBurst    int
	ContentHashWindow time.Duration
	ExtractDebounce   time.Duration
	// Environment gates the missing-token 503 behavior: only "production"
	// (non-"local") treats an unconfigured Token as a deployment error
	// rather than a plain auth failure (spec §4.8.1).
	Environment string
}

// Service implements the WhatsApp live-message ingest pipeline: auth,
// rate limiting, chat resolution, per-message dedupe, and debounced
// extraction (spec §4.8).
type Service struct {
	store  *store.Store
	cfg    Config
	ext    Extractor
	metric MetricsSink

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New builds a Service. ext and metric may be nil in tests that don't
// exercise debounced extraction or metrics.
func New(s *store.Store, cfg Config, ext Extractor, metric MetricsSink) *Service {
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = 5 * time.Minute
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.ContentHashWindow <= 0 {
		cfg.ContentHashWindow = 10 * time.Minute
	}
	if cfg.ExtractDebounce <= 0 {
		cfg.ExtractDebounce = 5 * time.Second
	}
	return &Service{
		store:    s,
		cfg:      cfg,
		ext:      ext,
		metric:   metric,
		limiters: make(map[string]*rate.Limiter),
		timers:   make(map[string]*time.Timer),
	}
}

// Authenticate checks the bearer-style ingest token carried on the
// request (spec §4.8: token auth precedes everything else).
func (svc *Service) Authenticate(token string) error {
	if svc.cfg.Token == "" {
		if svc.cfg.Environment != "local" {
			return ErrServiceUnavailable
		}
		return ErrUnauthorized
	}
	if token != svc.cfg.Token {
		return ErrUnauthorized
	}
	return nil
}

// VerifySignature checks the optional HMAC signature headers.
func (svc *Service) VerifySignature(timestampHeader, signatureHeader string, body []byte) error {
	if err := verifySignature(svc.cfg.HMACSecret, svc.cfg.SignatureTTL, timestampHeader, signatureHeader, body); err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return nil
}

// CheckRateLimit enforces a per-client_id token bucket (spec §4.8.2). On
// denial it returns *ErrRateLimited carrying the wait time the client
// should honor before retrying.
func (svc *Service) CheckRateLimit(clientID string) error {
	lim := svc.limiterFor(clientID)
	r := lim.Reserve()
	if !r.OK() {
		return &ErrRateLimited{RetryAfter: time.Second}
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &ErrRateLimited{RetryAfter: delay}
	}
	return nil
}

func (svc *Service) limiterFor(clientID string) *rate.Limiter {
	svc.limMu.Lock()
	defer svc.limMu.Unlock()
	lim, ok := svc.limiters[clientID]
	if !ok {
		perSecond := float64(svc.cfg.RateLimitPerMin) / 60.0
		lim = rate.NewLimiter(rate.Limit(perSecond), svc.cfg.RateLimitBurst)
		svc.limiters[clientID] = lim
	}
	return lim
}

// Ingest processes a validated batch: every message is resolved to a
// chat, deduped, and either inserted or marked deduped/skipped, all
// inside a single transaction (spec §4.8.5: "processes messages in the
// order provided inside a single transaction"). Chats that received at
// least one newly created message are scheduled for debounced
// extraction after the transaction commits.
func (svc *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	resp := IngestResponse{
		RequestID: uuid.NewString(),
		Decisions: make([]Decision, 0, len(req.Messages)),
	}

	touchedChats := make(map[string]struct{})

	err := svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range req.Messages {
			decision, chatID, err := svc.ingestOneTx(ctx, tx, req.ClientID, msg, &resp)
			if err != nil {
				return err
			}
			resp.Decisions = append(resp.Decisions, decision)
			switch decision.Status {
			case "created":
				resp.Created++
				touchedChats[chatID] = struct{}{}
			case "deduped":
				resp.Deduped++
			}
		}
		return nil
	})
	if err != nil {
		return resp, fmt.Errorf("ingesting whatsapp batch: %w", err)
	}

	resp.Accepted = len(resp.Decisions)
	for chatID := range touchedChats {
		svc.scheduleExtract(chatID)
	}
	return resp, nil
}

func (svc *Service) ingestOneTx(ctx context.Context, tx *sql.Tx, clientID string, msg MessageIn, resp *IngestResponse) (Decision, string, error) {
	decision := Decision{
		ChatTitle:  msg.ChatTitle,
		PlatformID: msg.PlatformID,
		MessageID:  msg.MessageID,
	}

	chatType := msg.ChatType
	if chatType == "" {
		chatType = "direct"
	}
	chatID, created, err := svc.store.UpsertChatTx(ctx, tx, uuid.NewString(), msg.ChatTitle, chatType, msg.PlatformID, "")
	if err != nil {
		return decision, "", fmt.Errorf("resolving chat %q: %w", msg.ChatTitle, err)
	}
	if created {
		resp.CreatedChats++
	}

	contentHash := hashContent(msg.ChatTitle, msg.SenderName, msg.Text)
	decision.ContentHash = contentHash

	if msg.MessageID != "" {
		exists, err := svc.store.FindMessageByPlatformIDTx(ctx, tx, chatID, msg.MessageID)
		if err != nil {
			return decision, chatID, fmt.Errorf("checking platform message id: %w", err)
		}
		if exists {
			decision.Status, decision.Reason = "deduped", "duplicate_message_id"
			svc.noteDeduped()
			return decision, chatID, nil
		}
	}

	observedAt := msg.ObservedAt
	if observedAt == "" {
		observedAt = time.Now().UTC().Format(time.RFC3339)
	}
	windowStart := windowStart(observedAt, svc.cfg.ContentHashWindow)
	dup, err := svc.store.FindMessageByContentHashWithinTx(ctx, tx, chatID, contentHash, windowStart)
	if err != nil {
		return decision, chatID, fmt.Errorf("checking content hash window: %w", err)
	}
	if dup {
		decision.Status, decision.Reason = "deduped", "duplicate_content_hash_within_window"
		svc.noteDeduped()
		return decision, chatID, nil
	}

	if processor.IsFilteredEvent(msg.Text) {
		decision.Status, decision.Reason = "skipped", "filtered_event"
		return decision, chatID, nil
	}

	messageID := uuid.NewString()
	if err := svc.store.InsertMessageTx(ctx, tx, store.WhatsAppMessage{
		ID:                messageID,
		ChatID:            chatID,
		ClientID:          clientID,
		ObservedAt:        observedAt,
		SenderName:        msg.SenderName,
		SenderPhone:       msg.SenderPhone,
		IsOutgoing:        msg.IsOutgoing,
		Text:              msg.Text,
		PlatformMessageID: msg.MessageID,
		ContentHash:       contentHash,
		RawPayload:        string(msg.RawPayload),
	}); err != nil {
		return decision, chatID, fmt.Errorf("inserting message: %w", err)
	}

	decision.Status = "created"
	decision.WhatsAppMessageID = messageID
	svc.noteCreated()
	return decision, chatID, nil
}

func hashContent(chatTitle, senderName, text string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(chatTitle))))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(senderName))))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func windowStart(observedAt string, window time.Duration) string {
	t, err := time.Parse(time.RFC3339, observedAt)
	if err != nil {
		t = time.Now().UTC()
	}
	return t.Add(-window).UTC().Format(time.RFC3339)
}

func (svc *Service) noteCreated() {
	if svc.metric != nil {
		svc.metric.IncWhatsAppCreated()
	}
}

func (svc *Service) noteDeduped() {
	if svc.metric != nil {
		svc.metric.IncWhatsAppDeduped()
	}
}

// scheduleExtract debounces extraction per chat: a chat with messages
// arriving in quick succession gets exactly one extraction run after the
// last message settles, never one per message (spec §5: "single timer
// per chat id; re-scheduling resets the timer, no extra tasks spawned").
func (svc *Service) scheduleExtract(chatID string) {
	if svc.ext == nil {
		return
	}

	svc.timerMu.Lock()
	defer svc.timerMu.Unlock()

	if t, ok := svc.timers[chatID]; ok {
		t.Reset(svc.cfg.ExtractDebounce)
		return
	}

	svc.timers[chatID] = time.AfterFunc(svc.cfg.ExtractDebounce, func() {
		svc.timerMu.Lock()
		delete(svc.timers, chatID)
		svc.timerMu.Unlock()

		if err := svc.ext.ExtractAndIngest(context.Background(), chatID); err != nil {
			slog.Error("whatsapp extraction failed", "chat_id", chatID, "error", err)
		}
	})
}
