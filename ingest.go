package pricebot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/history"
	"github.com/brunobiangulo/pricebot/processor"
	"github.com/brunobiangulo/pricebot/resolver"
	"github.com/brunobiangulo/pricebot/store"
)

// ingestTimeLayout matches history's wire format: RFC3339 with a trailing Z.
const ingestTimeLayout = time.RFC3339

// RowOutcome records what ingestRowTx did with one RawOffer row.
// IngestRows only counts the rows that produced an offer; the outcomes
// themselves are neither stored nor returned.
type RowOutcome struct {
	OfferID   string
	ProductID string
	VendorID  string
	Warning   string
}

// IngestSummary totals the outcome of ingesting one batch of rows (spec
// §4.7's job summary: offers, warnings, errors).
type IngestSummary struct {
	OffersCreated int
	Warnings      []processor.Warning
}

// IngestionService canonicalizes RawOffer rows into persisted Offers and
// materializes their price-history spans, per spec §4.5. Vendor
// resolution, product resolution, the offer insert, and the history
// mutation all happen inside one transaction per document, so a
// mid-document failure rolls back everything already persisted for that
// document (spec §7 propagation rule).
type IngestionService struct {
	store           *store.Store
	resolver        *resolver.Resolver
	history         *history.Engine
	defaultCurrency string
	locks           *stripedLock
	metrics         *Metrics
}

// NewIngestionService wires the resolver and history engine against store.
func NewIngestionService(s *store.Store, r *resolver.Resolver, h *history.Engine, defaultCurrency string, m *Metrics) *IngestionService {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &IngestionService{store: s, resolver: r, history: h, defaultCurrency: defaultCurrency, locks: newStripedLock(), metrics: m}
}

// IngestRows processes every row extracted from doc, inside a single
// transaction covering the whole document (spec §4.5, §7). declaredVendor
// is the vendor name supplied at upload time (upload form field, or a
// WhatsApp chat's mapped vendor); it wins over any per-row vendor hint.
func (svc *IngestionService) IngestRows(ctx context.Context, doc store.SourceDocument, declaredVendor string, rows []processor.RawOffer) (IngestSummary, error) {
	summary := IngestSummary{}

	capturedAt := doc.IngestStartedAt
	if capturedAt == "" {
		capturedAt = time.Now().UTC().Format(ingestTimeLayout)
	}
	t, err := parseAnyTimestamp(capturedAt)
	if err != nil {
		t = time.Now().UTC()
	}

	err = svc.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			outcome, warning := svc.ingestRowTx(ctx, tx, doc, declaredVendor, row, t)
			if warning != "" {
				summary.Warnings = append(summary.Warnings, processor.Warning{Code: "row_warning", Message: warning})
				continue
			}
			_ = outcome
			summary.OffersCreated++
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("ingesting rows: %w", err)
	}
	if svc.metrics != nil {
		svc.metrics.AddOffersCreated(summary.OffersCreated)
	}
	return summary, nil
}

func (svc *IngestionService) ingestRowTx(ctx context.Context, tx *sql.Tx, doc store.SourceDocument, declaredVendor string, row processor.RawOffer, capturedAt time.Time) (RowOutcome, string) {
	vendorID, err := svc.resolver.ResolveVendor(ctx, tx, declaredVendor, row.VendorHint, "")
	if err != nil {
		return RowOutcome{}, "missing_vendor"
	}

	resolution, err := svc.resolver.ResolveProduct(ctx, tx, vendorID, row.Description, row.Brand, row.Model, row.UPC)
	if err != nil {
		return RowOutcome{}, fmt.Sprintf("product resolution failed: %v", err)
	}

	currency := row.Currency
	if currency == "" {
		currency = svc.defaultCurrency
	}

	offerID := uuid.NewString()
	rawRowJSON, _ := json.Marshal(row.RawRow)
	if err := svc.store.InsertOfferTx(ctx, tx, store.Offer{
		ID:                   offerID,
		ProductID:            resolution.ProductID,
		VendorID:             vendorID,
		SourceDocumentID:     doc.ID,
		CapturedAt:           capturedAt.UTC().Format(ingestTimeLayout),
		Price:                row.Price,
		Currency:             currency,
		Quantity:             row.Quantity,
		Condition:            row.Condition,
		MinimumOrderQuantity: 0,
		Location:             row.Location,
		Notes:                row.Notes,
		RawRow:               string(rawRowJSON),
	}); err != nil {
		return RowOutcome{}, fmt.Sprintf("offer insert failed: %v", err)
	}

	unlock := svc.locks.Lock(resolution.ProductID, vendorID)
	historyErr := svc.history.Apply(ctx, tx, resolution.ProductID, vendorID, capturedAt, row.Price, currency, offerID)
	unlock()
	if historyErr != nil {
		return RowOutcome{}, fmt.Sprintf("history update failed: %v", historyErr)
	}

	if svc.metrics != nil && resolution.Created {
		svc.metrics.IncProductsCreated()
	}

	return RowOutcome{OfferID: offerID, ProductID: resolution.ProductID, VendorID: vendorID}, ""
}

// parseAnyTimestamp accepts RFC3339 or the SQLite-default
// "YYYY-MM-DD HH:MM:SS" layout, both of which show up depending on
// whether capturedAt came off the wire or out of a DATETIME column.
func parseAnyTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSuffix(s, "Z")); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// stripedLock serializes concurrent history mutations for the same
// (product, vendor) pair (spec §5: "taking a row-level lock on the pair's
// existing span set ... implementation: SELECT ... FOR UPDATE or
// equivalent advisory lock keyed by hash(product_id, vendor_id)"). Since
// storage here is embedded SQLite shared by one process rather than a
// database server, the equivalent advisory lock is an in-process striped
// mutex rather than a cross-process DB lock.
type stripedLock struct {
	mus [64]sync.Mutex
}

func newStripedLock() *stripedLock {
	return &stripedLock{}
}

func (l *stripedLock) Lock(productID, vendorID string) func() {
	h := fnv.New64a()
	h.Write([]byte(productID))
	h.Write([]byte{'|'})
	h.Write([]byte(vendorID))
	idx := h.Sum64() % uint64(len(l.mus))
	l.mus[idx].Lock()
	return l.mus[idx].Unlock
}
