//go:build cgo

package whatsapp

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/pricebot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type countingExtractor struct {
	calls int32
	last  chan string
}

func newCountingExtractor() *countingExtractor {
	return &countingExtractor{last: make(chan string, 8)}
}

func (e *countingExtractor) ExtractAndIngest(ctx context.Context, chatID string) error {
	atomic.AddInt32(&e.calls, 1)
	e.last <- chatID
	return nil
}

func TestIngestDedupesByMessageID(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t", ExtractDebounce: time.Hour}, nil, nil)

	req := IngestRequest{ClientID: "c1", Messages: []MessageIn{
		{ChatTitle: "Widget Vendor", MessageID: "m1", Text: "Widget A $12.50 qty 10"},
		{ChatTitle: "Widget Vendor", MessageID: "m1", Text: "Widget A $12.50 qty 10"},
	}}

	resp, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Created != 1 || resp.Deduped != 1 {
		t.Fatalf("expected 1 created, 1 deduped, got created=%d deduped=%d", resp.Created, resp.Deduped)
	}
	if resp.Decisions[1].Reason != "duplicate_message_id" {
		t.Fatalf("expected duplicate_message_id reason, got %q", resp.Decisions[1].Reason)
	}
}

func TestIngestDedupesByContentHashWithinWindow(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t", ContentHashWindow: time.Hour, ExtractDebounce: time.Hour}, nil, nil)

	now := time.Now().UTC().Format(time.RFC3339)
	req := IngestRequest{ClientID: "c1", Messages: []MessageIn{
		{ChatTitle: "Widget Vendor", SenderName: "Jane", ObservedAt: now, Text: "Widget A $12.50 qty 10"},
		{ChatTitle: "Widget Vendor", SenderName: "Jane", ObservedAt: now, Text: "Widget A $12.50 qty 10"},
	}}

	resp, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Created != 1 || resp.Deduped != 1 {
		t.Fatalf("expected 1 created, 1 deduped, got created=%d deduped=%d", resp.Created, resp.Deduped)
	}
	if resp.Decisions[1].Reason != "duplicate_content_hash_within_window" {
		t.Fatalf("expected duplicate_content_hash_within_window, got %q", resp.Decisions[1].Reason)
	}
}

func TestIngestSkipsFilteredEvents(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t"}, nil, nil)

	resp, err := svc.Ingest(context.Background(), IngestRequest{ClientID: "c1", Messages: []MessageIn{
		{ChatTitle: "Group", Text: "\U0001F44D"},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Decisions[0].Status != "skipped" || resp.Decisions[0].Reason != "filtered_event" {
		t.Fatalf("expected skipped/filtered_event, got %+v", resp.Decisions[0])
	}
}

func TestIngestTracksCreatedChats(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t"}, nil, nil)

	resp, err := svc.Ingest(context.Background(), IngestRequest{ClientID: "c1", Messages: []MessageIn{
		{ChatTitle: "New Vendor Chat", Text: "Gadget B €20 x2"},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.CreatedChats != 1 {
		t.Fatalf("expected 1 created chat, got %d", resp.CreatedChats)
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "expected"}, nil, nil)

	if err := svc.Authenticate("wrong"); err == nil {
		t.Fatal("expected unauthorized error")
	}
	if err := svc.Authenticate("expected"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t", HMACSecret: "shh", SignatureTTL: time.Second}, nil, nil)

	stale := time.Now().Add(-time.Hour).Unix()
	err := svc.VerifySignature(itoa(stale), "deadbeef", []byte(`{}`))
	if err == nil {
		t.Fatal("expected forbidden error for stale timestamp")
	}
}

func TestCheckRateLimitDeniesBurstOverflow(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, Config{Token: "t", RateLimitPerMin: 60, RateLimitBurst: 1}, nil, nil)

	if err := svc.CheckRateLimit("client-x"); err != nil {
		t.Fatalf("first call within burst should pass, got %v", err)
	}
	err := svc.CheckRateLimit("client-x")
	if err == nil {
		t.Fatal("expected rate limit error on second immediate call")
	}
	if _, ok := err.(*ErrRateLimited); !ok {
		t.Fatalf("expected *ErrRateLimited, got %T", err)
	}
}

func TestScheduleExtractDebouncesRepeatedMessages(t *testing.T) {
	s := newTestStore(t)
	ext := newCountingExtractor()
	svc := New(s, Config{Token: "t", ExtractDebounce: 30 * time.Millisecond}, ext, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.Ingest(context.Background(), IngestRequest{ClientID: "c1", Messages: []MessageIn{
			{ChatTitle: "Debounced Chat", MessageID: itoa(int64(i)), Text: "Widget C $5 qty " + itoa(int64(i+1))},
		}}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-ext.last:
	case <-time.After(time.Second):
		t.Fatal("expected extraction to fire")
	}

	if atomic.LoadInt32(&ext.calls) != 1 {
		t.Fatalf("expected exactly one debounced extraction call, got %d", ext.calls)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
