package pricebot

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is an in-process counters registry plus a bounded ring buffer of
// recent processor failures, backing GET /metrics (spec §6, §8; shape
// unspecified by spec.md, detailed in SPEC_FULL.md §4.12).
type Metrics struct {
	documentsIngested   atomic.Int64
	offersCreated       atomic.Int64
	productsCreated     atomic.Int64
	spansOpened         atomic.Int64
	spansClosed         atomic.Int64
	spansMerged         atomic.Int64
	whatsappCreated     atomic.Int64
	whatsappDeduped     atomic.Int64
	jobsSucceeded       atomic.Int64
	jobsFailed          atomic.Int64

	mu       sync.Mutex
	failures []FailureRecord
}

// FailureRecord is one entry in the recent-failures ring buffer.
type FailureRecord struct {
	DocumentID string    `json:"document_id"`
	Processor  string    `json:"processor,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

const maxRecentFailures = 20

// NewMetrics returns an empty counters registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDocumentsIngested()      { m.documentsIngested.Add(1) }
func (m *Metrics) AddOffersCreated(n int)     { m.offersCreated.Add(int64(n)) }
func (m *Metrics) IncProductsCreated()        { m.productsCreated.Add(1) }
func (m *Metrics) IncSpansOpened()            { m.spansOpened.Add(1) }
func (m *Metrics) IncSpansClosed()            { m.spansClosed.Add(1) }
func (m *Metrics) IncSpansMerged()            { m.spansMerged.Add(1) }
func (m *Metrics) IncWhatsAppCreated()        { m.whatsappCreated.Add(1) }
func (m *Metrics) IncWhatsAppDeduped()        { m.whatsappDeduped.Add(1) }
func (m *Metrics) IncJobsSucceeded()          { m.jobsSucceeded.Add(1) }
func (m *Metrics) IncJobsFailed()             { m.jobsFailed.Add(1) }

// RecordFailure appends a processor failure to the bounded ring buffer,
// dropping the oldest entry once the buffer is full.
func (m *Metrics) RecordFailure(rec FailureRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, rec)
	if len(m.failures) > maxRecentFailures {
		m.failures = m.failures[len(m.failures)-maxRecentFailures:]
	}
}

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	DocumentsIngested int64           `json:"documents_ingested"`
	OffersCreated     int64           `json:"offers_created"`
	ProductsCreated   int64           `json:"products_created"`
	SpansOpened       int64           `json:"spans_opened"`
	SpansClosed       int64           `json:"spans_closed"`
	SpansMerged       int64           `json:"spans_merged"`
	WhatsAppCreated   int64           `json:"whatsapp_messages_created"`
	WhatsAppDeduped   int64           `json:"whatsapp_messages_deduped"`
	JobsSucceeded     int64           `json:"jobs_succeeded"`
	JobsFailed        int64           `json:"jobs_failed"`
	RecentFailures    []FailureRecord `json:"recent_failures"`
}

// Snapshot returns a consistent point-in-time read of all counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	failures := make([]FailureRecord, len(m.failures))
	copy(failures, m.failures)
	m.mu.Unlock()

	return Snapshot{
		DocumentsIngested: m.documentsIngested.Load(),
		OffersCreated:     m.offersCreated.Load(),
		ProductsCreated:   m.productsCreated.Load(),
		SpansOpened:       m.spansOpened.Load(),
		SpansClosed:       m.spansClosed.Load(),
		SpansMerged:       m.spansMerged.Load(),
		WhatsAppCreated:   m.whatsappCreated.Load(),
		WhatsAppDeduped:   m.whatsappDeduped.Load(),
		JobsSucceeded:     m.jobsSucceeded.Load(),
		JobsFailed:        m.jobsFailed.Load(),
		RecentFailures:    failures,
	}
}
