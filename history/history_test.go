//go:build cgo

package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir()+"/history_test.db", 8)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProductVendor(t *testing.T, s *store.Store) (productID, vendorID string) {
	t.Helper()
	ctx := context.Background()
	vendorID, err := s.UpsertVendor(ctx, uuid.NewString(), "Acme Distribuidora", "", "")
	if err != nil {
		t.Fatalf("UpsertVendor: %v", err)
	}
	productID = uuid.NewString()
	if err := s.InsertProduct(ctx, store.Product{ID: productID, CanonicalName: "Widget X"}); err != nil {
		t.Fatalf("InsertProduct: %v", err)
	}
	return productID, vendorID
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return ts
}

// TestOutOfOrderSplit reproduces the literal scenario from the Testable
// Properties section: observations for 2025-01-10, 2025-01-20, then
// 2025-01-15 arriving out of order must yield three non-overlapping spans.
func TestOutOfOrderSplit(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil)
	ctx := context.Background()
	productID, vendorID := seedProductVendor(t, s)

	steps := []struct {
		at    string
		price float64
	}{
		{"2025-01-10T00:00:00Z", 100},
		{"2025-01-20T00:00:00Z", 120},
		{"2025-01-15T00:00:00Z", 110},
	}

	for _, step := range steps {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Apply(ctx, tx, productID, vendorID, mustTime(t, step.at), step.price, "USD", "")
		})
		if err != nil {
			t.Fatalf("Apply(%s): %v", step.at, err)
		}
	}

	spans, err := s.ListSpansForProductVendor(ctx, productID, vendorID)
	if err != nil {
		t.Fatalf("ListSpansForProductVendor: %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d: %+v", len(spans), spans)
	}

	want := []struct {
		from  string
		to    string
		price float64
	}{
		{"2025-01-10T00:00:00Z", "2025-01-15T00:00:00Z", 100},
		{"2025-01-15T00:00:00Z", "2025-01-20T00:00:00Z", 110},
		{"2025-01-20T00:00:00Z", "", 120},
	}
	for i, w := range want {
		if spans[i].ValidFrom != w.from {
			t.Errorf("span[%d].ValidFrom = %s, want %s", i, spans[i].ValidFrom, w.from)
		}
		gotTo := ""
		if spans[i].ValidTo != nil {
			gotTo = *spans[i].ValidTo
		}
		if gotTo != w.to {
			t.Errorf("span[%d].ValidTo = %q, want %q", i, gotTo, w.to)
		}
		if spans[i].Price != w.price {
			t.Errorf("span[%d].Price = %v, want %v", i, spans[i].Price, w.price)
		}
	}

	open := 0
	for _, sp := range spans {
		if sp.ValidTo == nil {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one open span, got %d", open)
	}
}

// TestOutOfOrderBeforeEarliestSpan verifies an observation timestamped
// before every existing span extends the timeline backward instead of
// failing with "no covering span" (spec §4.6: out-of-order arrivals are
// tolerated even when they predate all known history).
func TestOutOfOrderBeforeEarliestSpan(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil)
	ctx := context.Background()
	productID, vendorID := seedProductVendor(t, s)

	apply := func(at string, price float64) {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Apply(ctx, tx, productID, vendorID, mustTime(t, at), price, "USD", "")
		})
		if err != nil {
			t.Fatalf("Apply(%s): %v", at, err)
		}
	}

	apply("2025-02-01T00:00:00Z", 100)
	apply("2025-01-01T00:00:00Z", 90)

	spans, err := s.ListSpansForProductVendor(ctx, productID, vendorID)
	if err != nil {
		t.Fatalf("ListSpansForProductVendor: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d: %+v", len(spans), spans)
	}
	if spans[0].ValidFrom != "2025-01-01T00:00:00Z" || spans[0].Price != 90 {
		t.Errorf("spans[0] = %+v, want ValidFrom=2025-01-01T00:00:00Z price=90", spans[0])
	}
	if spans[0].ValidTo == nil || *spans[0].ValidTo != "2025-02-01T00:00:00Z" {
		t.Errorf("spans[0].ValidTo = %v, want 2025-02-01T00:00:00Z", spans[0].ValidTo)
	}
	if spans[1].ValidFrom != "2025-02-01T00:00:00Z" || spans[1].Price != 100 || spans[1].ValidTo != nil {
		t.Errorf("spans[1] = %+v, want open span from 2025-02-01T00:00:00Z price=100", spans[1])
	}
}

// TestSamePriceIsNoOp verifies applying the same price twice does not create
// a redundant span.
func TestSamePriceIsNoOp(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil)
	ctx := context.Background()
	productID, vendorID := seedProductVendor(t, s)

	apply := func(at string, price float64) {
		t.Helper()
		if err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Apply(ctx, tx, productID, vendorID, mustTime(t, at), price, "USD", "")
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	apply("2025-01-10T00:00:00Z", 100)
	apply("2025-01-11T00:00:00Z", 100)

	spans, err := s.ListSpansForProductVendor(ctx, productID, vendorID)
	if err != nil {
		t.Fatalf("ListSpansForProductVendor: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span after repeated same-price observation, got %d", len(spans))
	}
}

// TestMergeOnSplitSamePrice covers an out-of-order observation that matches
// the price of the span it would otherwise split into: no split, no merge
// needed, state unchanged.
func TestMergeOnSplitSamePrice(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil)
	ctx := context.Background()
	productID, vendorID := seedProductVendor(t, s)

	apply := func(at string, price float64) {
		t.Helper()
		if err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Apply(ctx, tx, productID, vendorID, mustTime(t, at), price, "USD", "")
		}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	apply("2025-01-01T00:00:00Z", 100)
	apply("2025-01-20T00:00:00Z", 120)
	// Out of order, inside [01-01, 01-20) and at that span's price.
	apply("2025-01-10T00:00:00Z", 100)

	spans, err := s.ListSpansForProductVendor(ctx, productID, vendorID)
	if err != nil {
		t.Fatalf("ListSpansForProductVendor: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected the 2 spans to stay unsplit, got %d: %+v", len(spans), spans)
	}
}
