// Package resolver implements entity resolution for the offer ingestion
// pipeline: matching a raw vendor/product pair against existing records, or
// creating new ones, inside the caller's transaction (spec §4.5).
package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/store"
)

// Embedder computes a single embedding vector for a text, used for the
// fuzzy alias-match fallback (spec §4.5.2d). A nil Embedder disables the
// fuzzy step; resolution still succeeds via the earlier, cheaper matches or
// by creating a new product.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Resolver matches inbound rows to vendors and products.
type Resolver struct {
	store     *store.Store
	embedder  Embedder
	threshold float64
	k         int
}

// New returns a Resolver. embedder may be nil to disable fuzzy alias
// matching. threshold is the minimum cosine similarity (spec default 0.86);
// k bounds the KNN candidate set (spec default 50).
func New(s *store.Store, embedder Embedder, threshold float64, k int) *Resolver {
	if threshold <= 0 {
		threshold = 0.86
	}
	if k <= 0 {
		k = 50
	}
	return &Resolver{store: s, embedder: embedder, threshold: threshold, k: k}
}

var digitsOnlyRe = regexp.MustCompile(`[^0-9]`)

// NormalizeUPC strips all non-digit characters, per spec §4.5.2a.
func NormalizeUPC(upc string) string {
	return digitsOnlyRe.ReplaceAllString(strings.TrimSpace(upc), "")
}

// ErrMissingVendor is returned when no vendor can be attributed to a row
// (declared, hint, and document metadata are all empty).
var ErrMissingVendor = fmt.Errorf("resolver: missing vendor")

// ResolveVendor implements spec §4.5 step 1: prefer the declared vendor,
// then the row's vendor hint, then the document's declared vendor metadata.
// The winning name is matched case-insensitively, created on miss.
func (r *Resolver) ResolveVendor(ctx context.Context, tx *sql.Tx, declared, hint, docVendor string) (vendorID string, err error) {
	name := firstNonEmpty(declared, hint, docVendor)
	if strings.TrimSpace(name) == "" {
		return "", ErrMissingVendor
	}
	return r.store.UpsertVendorTx(ctx, tx, uuid.NewString(), name, "", "")
}

// ProductResolution describes the outcome of resolving a row to a product.
type ProductResolution struct {
	ProductID string
	Created   bool
	// MatchedVia records which step produced the hit, for logging/metrics:
	// "upc", "brand_model", "alias_exact", "alias_fuzzy", or "created".
	MatchedVia string
}

// ResolveProduct implements spec §4.5 step 2: UPC equality, then
// (brand, model_number) equality, then alias exact match (vendor-scoped
// first), then alias fuzzy match, then create. On a hit where the
// description differs from the canonical name, a new alias is recorded.
func (r *Resolver) ResolveProduct(ctx context.Context, tx *sql.Tx, vendorID, description, brand, model, upc string) (ProductResolution, error) {
	description = strings.TrimSpace(description)
	brand = strings.TrimSpace(brand)
	model = strings.TrimSpace(model)
	normUPC := NormalizeUPC(upc)

	if normUPC != "" {
		if p, err := r.store.GetProductByUPCTx(ctx, tx, normUPC); err == nil {
			if err := r.maybeAlias(ctx, tx, p.ID, description, p.CanonicalName, vendorID); err != nil {
				return ProductResolution{}, err
			}
			return ProductResolution{ProductID: p.ID, MatchedVia: "upc"}, nil
		} else if err != sql.ErrNoRows {
			return ProductResolution{}, fmt.Errorf("upc lookup: %w", err)
		}
	}

	if brand != "" && model != "" {
		if p, err := r.store.GetProductByBrandModelTx(ctx, tx, brand, model); err == nil {
			if err := r.maybeAlias(ctx, tx, p.ID, description, p.CanonicalName, vendorID); err != nil {
				return ProductResolution{}, err
			}
			return ProductResolution{ProductID: p.ID, MatchedVia: "brand_model"}, nil
		} else if err != sql.ErrNoRows {
			return ProductResolution{}, fmt.Errorf("brand/model lookup: %w", err)
		}
	}

	if description != "" {
		if alias, err := r.resolveAliasExact(ctx, tx, description, vendorID); err == nil {
			return ProductResolution{ProductID: alias.ProductID, MatchedVia: "alias_exact"}, nil
		} else if err != sql.ErrNoRows {
			return ProductResolution{}, err
		}

		if r.embedder != nil {
			productID, ok, err := r.resolveAliasFuzzy(ctx, tx, description)
			if err != nil {
				return ProductResolution{}, err
			}
			if ok {
				p, err := r.store.GetProductByIDTx(ctx, tx, productID)
				if err != nil {
					return ProductResolution{}, fmt.Errorf("fetching fuzzy-matched product: %w", err)
				}
				if err := r.maybeAlias(ctx, tx, productID, description, p.CanonicalName, vendorID); err != nil {
					return ProductResolution{}, err
				}
				return ProductResolution{ProductID: productID, MatchedVia: "alias_fuzzy"}, nil
			}
		}
	}

	productID := uuid.NewString()
	canonical := description
	if canonical == "" {
		canonical = strings.TrimSpace(brand + " " + model)
	}
	if err := r.store.InsertProductTx(ctx, tx, store.Product{
		ID: productID, CanonicalName: canonical, Brand: brand, ModelNumber: model, UPC: normUPC,
	}); err != nil {
		return ProductResolution{}, fmt.Errorf("creating product: %w", err)
	}
	return ProductResolution{ProductID: productID, Created: true, MatchedVia: "created"}, nil
}

// resolveAliasExact looks up alias_text for an exact case-insensitive match,
// preferring a vendor-scoped alias over a global one (spec §4.5 tie-break).
func (r *Resolver) resolveAliasExact(ctx context.Context, tx *sql.Tx, description, vendorID string) (*store.ProductAlias, error) {
	if vendorID != "" {
		if alias, err := r.store.FindAliasExactTx(ctx, tx, description, vendorID); err == nil {
			return alias, nil
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("vendor-scoped alias lookup: %w", err)
		}
	}
	alias, err := r.store.FindAliasExactTx(ctx, tx, description, "")
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("global alias lookup: %w", err)
	}
	return alias, nil
}

// resolveAliasFuzzy embeds description and returns the nearest alias's
// product id if its cosine similarity clears the configured threshold.
func (r *Resolver) resolveAliasFuzzy(ctx context.Context, tx *sql.Tx, description string) (productID string, ok bool, err error) {
	vecs, err := r.embedder.Embed(ctx, []string{description})
	if err != nil || len(vecs) == 0 {
		// Embedding service unavailable: degrade to a miss, not an error
		// (spec §9: optional capabilities fail open to the next step).
		return "", false, nil
	}
	matches, err := r.store.SearchAliasesByEmbeddingTx(ctx, tx, vecs[0], r.k)
	if err != nil {
		return "", false, fmt.Errorf("alias embedding search: %w", err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Score > best.Score {
			best = m
		}
	}
	if best.Score < r.threshold {
		return "", false, nil
	}
	return best.ProductID, true, nil
}

// maybeAlias records a new ProductAlias when description differs from the
// matched product's canonical name and no such alias already exists.
func (r *Resolver) maybeAlias(ctx context.Context, tx *sql.Tx, productID, description, canonicalName, vendorID string) error {
	if description == "" || strings.EqualFold(strings.TrimSpace(description), strings.TrimSpace(canonicalName)) {
		return nil
	}
	if _, err := r.resolveAliasExact(ctx, tx, description, vendorID); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}
	if err := r.store.InsertAliasTx(ctx, tx, uuid.NewString(), productID, description, vendorID); err != nil {
		return fmt.Errorf("inserting alias: %w", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
