// Package history materializes per (product, vendor) price-history spans
// from a stream of price observations, preserving non-overlapping,
// chronologically ordered intervals even under out-of-order arrivals
// (spec §4.6).
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/store"
)

const timeLayout = time.RFC3339

// EventSink receives span lifecycle notifications for the /metrics
// counters (spec §2's observability component). A nil EventSink disables
// instrumentation; span materialization logic does not depend on it.
type EventSink interface {
	IncSpansOpened()
	IncSpansClosed()
	IncSpansMerged()
}

// Engine applies price observations to the span timeline.
type Engine struct {
	store  *store.Store
	events EventSink
}

// New returns a price-history engine backed by the given store. events may
// be nil to disable span-count instrumentation.
func New(s *store.Store, events EventSink) *Engine {
	return &Engine{store: s, events: events}
}

func (e *Engine) noteOpened() {
	if e.events != nil {
		e.events.IncSpansOpened()
	}
}

func (e *Engine) noteClosed() {
	if e.events != nil {
		e.events.IncSpansClosed()
	}
}

func (e *Engine) noteMerged() {
	if e.events != nil {
		e.events.IncSpansMerged()
	}
}

// Apply records a price observation for (productID, vendorID) at time t,
// materializing the resulting span set inside tx. offerID links the span
// created or adjusted by this observation back to its source offer.
//
// The algorithm (spec §4.6):
//  1. No existing spans -> open [t, ∞) at price.
//  2. t strictly after every existing valid_from -> same price as the
//     current open span is a no-op; otherwise close the open span at t and
//     open a new one.
//  3. t falls before the earliest span -> same price moves that span's
//     start back to t; otherwise insert a span [t, earliest start).
//  4. t falls inside existing spans -> find the covering span S; same
//     price is a no-op; otherwise split S at t and merge adjacent spans
//     that end up sharing (price, currency).
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, productID, vendorID string, t time.Time, price float64, currency, offerID string) error {
	spans, err := e.store.ListSpansForProductVendorTx(ctx, tx, productID, vendorID)
	if err != nil {
		return fmt.Errorf("loading spans: %w", err)
	}

	tStr := t.UTC().Format(timeLayout)

	if len(spans) == 0 {
		if err := e.store.InsertSpanTx(ctx, tx, store.PriceHistorySpan{
			ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
			Price: price, Currency: currency, ValidFrom: tStr, SourceOfferID: offerID,
		}); err != nil {
			return err
		}
		e.noteOpened()
		return nil
	}

	afterAll := true
	for _, sp := range spans {
		from, perr := time.Parse(timeLayout, sp.ValidFrom)
		if perr == nil && !t.After(from) {
			afterAll = false
			break
		}
	}

	if afterAll {
		open := spans[len(spans)-1]
		if open.ValidTo != nil {
			// Defensive: the chronologically last span should be open. If
			// it isn't, treat this observation as opening a fresh span.
			return e.store.InsertSpanTx(ctx, tx, store.PriceHistorySpan{
				ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
				Price: price, Currency: currency, ValidFrom: tStr, SourceOfferID: offerID,
			})
		}
		if open.Price == price && open.Currency == currency {
			return nil
		}
		if err := e.store.CloseSpanTx(ctx, tx, open.ID, tStr); err != nil {
			return fmt.Errorf("closing open span: %w", err)
		}
		e.noteClosed()
		if err := e.store.InsertSpanTx(ctx, tx, store.PriceHistorySpan{
			ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
			Price: price, Currency: currency, ValidFrom: tStr, SourceOfferID: offerID,
		}); err != nil {
			return err
		}
		e.noteOpened()
		return nil
	}

	// Out-of-order arrival strictly before the earliest known span: extend
	// the timeline backward instead of treating t as uncovered.
	earliest := spans[0]
	earliestFrom := mustParse(earliest.ValidFrom)
	if t.Before(earliestFrom) {
		if earliest.Price == price && earliest.Currency == currency {
			if err := e.store.DeleteSpanTx(ctx, tx, earliest.ID); err != nil {
				return fmt.Errorf("deleting span to extend start: %w", err)
			}
			earliest.ID = uuid.NewString()
			earliest.ValidFrom = tStr
			earliest.SourceOfferID = offerID
			if err := e.store.InsertSpanTx(ctx, tx, earliest); err != nil {
				return fmt.Errorf("re-inserting extended span: %w", err)
			}
			return nil
		}
		oldFrom := earliest.ValidFrom
		if err := e.store.InsertSpanTx(ctx, tx, store.PriceHistorySpan{
			ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
			Price: price, Currency: currency, ValidFrom: tStr, ValidTo: &oldFrom, SourceOfferID: offerID,
		}); err != nil {
			return fmt.Errorf("inserting preceding span: %w", err)
		}
		e.noteOpened()
		return nil
	}

	// Out-of-order arrival: find the span covering t.
	covering, idx := findCovering(spans, t)
	if covering == nil {
		return fmt.Errorf("%w: no span covers time %s for product=%s vendor=%s", errNoCoveringSpan, tStr, productID, vendorID)
	}

	if covering.Price == price && covering.Currency == currency {
		return nil
	}

	originalValidTo := covering.ValidTo

	if t.Equal(mustParse(covering.ValidFrom)) {
		// The new observation lands exactly on the span's start: replace the
		// span's price outright rather than splitting a zero-length prefix.
		if err := e.store.DeleteSpanTx(ctx, tx, covering.ID); err != nil {
			return fmt.Errorf("deleting span for in-place replacement: %w", err)
		}
		newSpan := store.PriceHistorySpan{
			ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
			Price: price, Currency: currency, ValidFrom: tStr, ValidTo: originalValidTo, SourceOfferID: offerID,
		}
		if err := e.store.InsertSpanTx(ctx, tx, newSpan); err != nil {
			return err
		}
		spans[idx] = newSpan
		return e.mergeAdjacent(ctx, tx, spans)
	}

	// Split: close the covering span at t, insert a new span [t, originalValidTo).
	if err := e.store.CloseSpanTx(ctx, tx, covering.ID, tStr); err != nil {
		return fmt.Errorf("closing span for split: %w", err)
	}
	covering.ValidTo = &tStr

	newSpan := store.PriceHistorySpan{
		ID: uuid.NewString(), ProductID: productID, VendorID: vendorID,
		Price: price, Currency: currency, ValidFrom: tStr, ValidTo: originalValidTo, SourceOfferID: offerID,
	}
	if err := e.store.InsertSpanTx(ctx, tx, newSpan); err != nil {
		return fmt.Errorf("inserting split span: %w", err)
	}

	updated := make([]store.PriceHistorySpan, 0, len(spans)+1)
	updated = append(updated, spans[:idx+1]...)
	updated = append(updated, newSpan)
	updated = append(updated, spans[idx+1:]...)

	return e.mergeAdjacent(ctx, tx, updated)
}

var errNoCoveringSpan = fmt.Errorf("history: no covering span found")

// mergeAdjacent scans the span list (already in chronological order after a
// split) and merges adjacent pairs that share (price, currency), per the
// invariant "two adjacent spans never have equal price and currency".
func (e *Engine) mergeAdjacent(ctx context.Context, tx *sql.Tx, spans []store.PriceHistorySpan) error {
	i := 0
	for i < len(spans)-1 {
		a, b := spans[i], spans[i+1]
		if a.ValidTo == nil || *a.ValidTo != b.ValidFrom {
			i++
			continue
		}
		if a.Price != b.Price || a.Currency != b.Currency {
			i++
			continue
		}
		// Merge b into a: extend a.valid_to to b.valid_to, drop b.
		if b.ValidTo == nil {
			if _, err := tx.ExecContext(ctx, "UPDATE price_history_spans SET valid_to = NULL WHERE id = ?", a.ID); err != nil {
				return err
			}
			a.ValidTo = nil
		} else {
			if err := e.store.CloseSpanTx(ctx, tx, a.ID, *b.ValidTo); err != nil {
				return err
			}
			a.ValidTo = b.ValidTo
		}
		if err := e.store.DeleteSpanTx(ctx, tx, b.ID); err != nil {
			return err
		}
		e.noteMerged()
		spans[i] = a
		spans = append(spans[:i+1], spans[i+2:]...)
	}
	return nil
}

// findCovering returns the span whose [valid_from, valid_to) interval
// contains t, and its index in the chronologically ordered slice.
func findCovering(spans []store.PriceHistorySpan, t time.Time) (*store.PriceHistorySpan, int) {
	for i := range spans {
		from := mustParse(spans[i].ValidFrom)
		if t.Before(from) {
			continue
		}
		if spans[i].ValidTo == nil {
			return &spans[i], i
		}
		to := mustParse(*spans[i].ValidTo)
		if t.Before(to) {
			return &spans[i], i
		}
	}
	return nil, -1
}

func mustParse(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
