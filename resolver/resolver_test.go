//go:build cgo

package resolver

import (
	"context"
	"database/sql"
	"testing"

	"github.com/brunobiangulo/pricebot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir()+"/resolver_test.db", 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveVendorPrefersDeclaredThenHintThenDoc(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil, 0, 0)
	ctx := context.Background()

	var vendorID string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		vendorID, err = r.ResolveVendor(ctx, tx, "", "HintCo", "DocCo")
		return err
	})
	if err != nil {
		t.Fatalf("ResolveVendor: %v", err)
	}
	v, err := s.GetVendor(ctx, vendorID)
	if err != nil {
		t.Fatalf("GetVendor: %v", err)
	}
	if v.Name != "HintCo" {
		t.Errorf("expected hint to win over doc vendor, got %q", v.Name)
	}
}

func TestResolveVendorMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil, 0, 0)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := r.ResolveVendor(ctx, tx, "", "", "")
		return err
	})
	if err != ErrMissingVendor {
		t.Fatalf("expected ErrMissingVendor, got %v", err)
	}
}

func TestResolveProductByUPCThenAlias(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil, 0, 0)
	ctx := context.Background()

	var vendorID, firstProductID string
	var firstRes ProductResolution
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		vendorID, err = r.ResolveVendor(ctx, tx, "Acme", "", "")
		if err != nil {
			return err
		}
		firstRes, err = r.ResolveProduct(ctx, tx, vendorID, "Widget 9000 new in box", "", "", "012345678905")
		firstProductID = firstRes.ProductID
		return err
	})
	if err != nil {
		t.Fatalf("first tx: %v", err)
	}
	if !firstRes.Created {
		t.Fatalf("expected first resolution to create a product")
	}

	// Second row with the same (normalized) UPC but a slightly different
	// description should resolve to the same product and record an alias.
	var secondRes ProductResolution
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		secondRes, err = r.ResolveProduct(ctx, tx, vendorID, "Widget 9000, open box", "", "", "012-345-678-905")
		return err
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
	if secondRes.ProductID != firstProductID {
		t.Fatalf("expected same product for same UPC, got %s vs %s", secondRes.ProductID, firstProductID)
	}
	if secondRes.MatchedVia != "upc" {
		t.Fatalf("expected match via upc, got %s", secondRes.MatchedVia)
	}

	alias, err := s.FindAliasExact(ctx, "Widget 9000, open box", "")
	if err != nil {
		t.Fatalf("expected alias to be recorded: %v", err)
	}
	if alias.ProductID != firstProductID {
		t.Errorf("alias product mismatch: %s vs %s", alias.ProductID, firstProductID)
	}
}

func TestResolveProductByBrandModel(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil, 0, 0)
	ctx := context.Background()

	var vendorID, productID string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		vendorID, err = r.ResolveVendor(ctx, tx, "Acme", "", "")
		if err != nil {
			return err
		}
		res, err := r.ResolveProduct(ctx, tx, vendorID, "Acme Blender 3000", "Acme", "BL-3000", "")
		productID = res.ProductID
		return err
	})
	if err != nil {
		t.Fatalf("first tx: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := r.ResolveProduct(ctx, tx, vendorID, "Acme Blender 3000 (used)", "acme", "bl-3000", "")
		if err != nil {
			return err
		}
		if res.ProductID != productID {
			t.Fatalf("expected case-insensitive brand/model match, got different product")
		}
		if res.MatchedVia != "brand_model" {
			t.Fatalf("expected match via brand_model, got %s", res.MatchedVia)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
}

type fakeEmbedder struct {
	vecs map[string][]float32
}

func (f fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 0, 0}
		}
	}
	return out, nil
}

func TestResolveProductFuzzyAliasMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var productID string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.InsertProductTx(ctx, tx, store.Product{ID: "p1", CanonicalName: "Acme Widget Pro"}); err != nil {
			return err
		}
		productID = "p1"
		if err := s.InsertAliasTx(ctx, tx, "a1", "p1", "Acme Widget Pro", ""); err != nil {
			return err
		}
		return s.InsertAliasEmbeddingTx(ctx, tx, "a1", []float32{1, 0, 0, 0})
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	embedder := fakeEmbedder{vecs: map[string][]float32{
		"acme widgt pro (typo)": {1, 0, 0, 0},
	}}
	r := New(s, embedder, 0.86, 50)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := r.ResolveProduct(ctx, tx, "", "acme widgt pro (typo)", "", "", "")
		if err != nil {
			return err
		}
		if res.ProductID != productID {
			t.Fatalf("expected fuzzy match to resolve to %s, got %s", productID, res.ProductID)
		}
		if res.MatchedVia != "alias_fuzzy" {
			t.Fatalf("expected match via alias_fuzzy, got %s", res.MatchedVia)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("resolve tx: %v", err)
	}
}

func TestNormalizeUPC(t *testing.T) {
	cases := map[string]string{
		"012-345-678-905": "012345678905",
		" 012345678905 ":  "012345678905",
		"":                "",
	}
	for in, want := range cases {
		if got := NormalizeUPC(in); got != want {
			t.Errorf("NormalizeUPC(%q) = %q, want %q", in, got, want)
		}
	}
}
