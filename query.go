package pricebot

import (
	"context"
	"fmt"
	"strings"

	"github.com/brunobiangulo/pricebot/store"
)

// minSubstringMatches is the threshold below which resolve_products
// augments its LIKE search with embedding-based alias matches (spec
// §4.9/§4.11).
const minSubstringMatches = 3

// ResolveProductsResult is the response shape for resolve_products
// (spec §4.9).
type ResolveProductsResult struct {
	Products   []store.Product `json:"products"`
	Total      int             `json:"total"`
	NextOffset int             `json:"next_offset"`
}

// ResolveProducts implements the chat-tool read path of spec §4.9: a
// case-insensitive substring search over canonical name, brand, model
// number, UPC and alias text,
// augmented with alias-embedding KNN when the plain search comes up thin.
func (e *Engine) ResolveProducts(ctx context.Context, query string, limit, offset int) (ResolveProductsResult, error) {
	if limit <= 0 {
		limit = 20
	}

	products, err := e.Store.ListProducts(ctx, query, limit+offset)
	if err != nil {
		return ResolveProductsResult{}, fmt.Errorf("searching products: %w", err)
	}

	if len(products) < minSubstringMatches && e.embedder != nil {
		augmented, err := e.augmentByEmbedding(ctx, query, products)
		if err != nil {
			// Embedding augmentation is a best-effort enhancement; a failure
			// here degrades to the substring results already in hand
			// (spec §9: optional capabilities fail open).
			augmented = products
		}
		products = augmented
	}

	total := len(products)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := products[offset:end]

	next := end
	if end >= total {
		next = 0
	}

	return ResolveProductsResult{Products: page, Total: total, NextOffset: next}, nil
}

func (e *Engine) augmentByEmbedding(ctx context.Context, query string, existing []store.Product) ([]store.Product, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return existing, err
	}
	matches, err := e.Store.SearchAliasesByEmbedding(ctx, vecs[0], e.cfg.AliasMatchCandidates)
	if err != nil {
		return existing, err
	}

	seen := make(map[string]struct{}, len(existing))
	merged := append([]store.Product{}, existing...)
	for _, p := range existing {
		seen[p.ID] = struct{}{}
	}

	for _, m := range matches {
		if m.Score < e.cfg.AliasMatchThreshold {
			continue
		}
		if _, ok := seen[m.ProductID]; ok {
			continue
		}
		p, err := e.Store.GetProduct(ctx, m.ProductID)
		if err != nil {
			continue
		}
		seen[m.ProductID] = struct{}{}
		merged = append(merged, *p)
	}
	return merged, nil
}

// BestPriceFilters bounds a search_best_price call (spec §4.9).
type BestPriceFilters struct {
	VendorID      string
	Condition     string
	Location      string
	MinPrice      *float64
	MaxPrice      *float64
	CapturedSince string
}

// Validate enforces the min<=max constraint spec §4.9 names explicitly.
func (f BestPriceFilters) Validate() error {
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return fmt.Errorf("min_price must be <= max_price")
	}
	return nil
}

// BestPriceEntry is one product's result row for search_best_price.
type BestPriceEntry struct {
	Product        store.Product        `json:"product"`
	BestOffer      *store.BestOfferRow  `json:"best_offer,omitempty"`
	AlternateOffers []store.BestOfferRow `json:"alternate_offers,omitempty"`
}

// SearchBestPrice implements spec §4.9's search_best_price: resolve
// candidate products by substring/alias match, then per product return
// the lowest-price active offer and up to limit-1 alternates.
func (e *Engine) SearchBestPrice(ctx context.Context, query string, filters BestPriceFilters, limit int) ([]BestPriceEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	resolved, err := e.ResolveProducts(ctx, query, limit*2, 0)
	if err != nil {
		return nil, err
	}

	var results []BestPriceEntry
	for _, p := range resolved.Products {
		offers, err := e.Store.SearchBestPrice(ctx, p.ID, limit*3)
		if err != nil {
			return nil, fmt.Errorf("searching best price for product %s: %w", p.ID, err)
		}
		offers = applyBestPriceFilters(offers, filters)
		if len(offers) == 0 {
			continue
		}

		entry := BestPriceEntry{Product: p, BestOffer: &offers[0]}
		if len(offers) > 1 {
			alt := offers[1:]
			if len(alt) > limit-1 {
				alt = alt[:limit-1]
			}
			entry.AlternateOffers = alt
		}
		results = append(results, entry)
	}
	return results, nil
}

func applyBestPriceFilters(offers []store.BestOfferRow, f BestPriceFilters) []store.BestOfferRow {
	out := offers[:0]
	for _, o := range offers {
		if f.VendorID != "" && o.VendorID != f.VendorID {
			continue
		}
		if f.Condition != "" && !strings.EqualFold(o.Condition, f.Condition) {
			continue
		}
		if f.Location != "" && !strings.Contains(strings.ToLower(o.Location), strings.ToLower(f.Location)) {
			continue
		}
		if f.MinPrice != nil && o.Price < *f.MinPrice {
			continue
		}
		if f.MaxPrice != nil && o.Price > *f.MaxPrice {
			continue
		}
		if f.CapturedSince != "" && o.CapturedAt < f.CapturedSince {
			continue
		}
		out = append(out, o)
	}
	return out
}

// PriceHistory implements spec §4.9's price_history read path: exactly one
// of productID/vendorID must be set.
func (e *Engine) PriceHistory(ctx context.Context, productID, vendorID string, limit int) ([]store.PriceHistorySpan, error) {
	switch {
	case productID != "" && vendorID != "":
		return nil, fmt.Errorf("%w: supply product_id or vendor_id, not both", ErrInvalidRequest)
	case productID != "":
		spans, err := e.Store.ListSpansForProduct(ctx, productID)
		return boundSpans(spans, limit), err
	case vendorID != "":
		spans, err := e.Store.ListSpansForVendor(ctx, vendorID)
		return boundSpans(spans, limit), err
	default:
		return nil, fmt.Errorf("%w: supply product_id or vendor_id", ErrInvalidRequest)
	}
}

func boundSpans(spans []store.PriceHistorySpan, limit int) []store.PriceHistorySpan {
	if limit > 0 && len(spans) > limit {
		return spans[:limit]
	}
	return spans
}
