package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestHeaderTokenDictionaryMatchesFixture guards the published vocabulary
// (spec §9 open question) against silent drift.
func TestHeaderTokenDictionaryMatchesFixture(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "header_tokens.json"))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	var fixture map[string]string
	if err := json.Unmarshal(data, &fixture); err != nil {
		t.Fatalf("parsing fixture: %v", err)
	}
	if len(fixture) != len(headerTokens) {
		t.Fatalf("fixture has %d tokens, code has %d", len(fixture), len(headerTokens))
	}
	for k, v := range fixture {
		if headerTokens[k] != v {
			t.Errorf("token %q: fixture says %q, code says %q", k, v, headerTokens[k])
		}
	}
}

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp csv: %v", err)
	}
	return path
}

// TestSpreadsheetHappyPath exercises scenario 1 of spec §8: a 2-row CSV
// with a recognized header produces exactly 2 offers and no warnings.
func TestSpreadsheetHappyPath(t *testing.T) {
	csv := "MODEL/SKU,DESCRIPTION,PRICE,QTY,CONDITION\n" +
		"A1,iPhone 11 64GB Black,485.00,150,A/A-\n" +
		"A2,iPhone 12 128GB,600,10,New\n"
	path := writeTempCSV(t, csv)

	p := &SpreadsheetProcessor{}
	res, err := p.Process(context.Background(), path, Context{DeclaredVendor: "Acme"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Offers) != 2 {
		t.Fatalf("expected 2 offers, got %d (warnings=%v)", len(res.Offers), res.Warnings)
	}
	if res.Offers[0].Price != 485.00 || res.Offers[1].Price != 600 {
		t.Fatalf("unexpected prices: %+v", res.Offers)
	}
	if res.Offers[0].VendorHint != "Acme" {
		t.Fatalf("expected declared vendor fallback, got %q", res.Offers[0].VendorHint)
	}
}

// TestSpreadsheetMalformedRowsBecomeWarnings exercises the round-trip law
// in spec §8: N priced rows + M malformed rows -> N offers, M warnings.
func TestSpreadsheetMalformedRowsBecomeWarnings(t *testing.T) {
	csv := "MODEL,DESCRIPTION,PRICE,QTY\n" +
		"A1,Good Row,100,5\n" +
		"A2,Missing Price,,5\n" +
		"A3,Bad Price,notanumber,5\n" +
		"A4,Another Good Row,50,1\n"
	path := writeTempCSV(t, csv)

	p := &SpreadsheetProcessor{}
	res, err := p.Process(context.Background(), path, Context{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(res.Offers))
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(res.Warnings), res.Warnings)
	}
}

func TestHeaderlessColumnMap(t *testing.T) {
	csv := "Widget A,19.99,3\nWidget B,5,10\n"
	path := writeTempCSV(t, csv)

	p := &SpreadsheetProcessor{}
	res, err := p.Process(context.Background(), path, Context{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Offers) != 2 {
		t.Fatalf("expected 2 offers from headerless sheet, got %d (warnings=%v)", len(res.Offers), res.Warnings)
	}
}

func TestNormalizeUPC(t *testing.T) {
	if got := normalizeUPC("012-345 678"); got != "012345678" {
		t.Fatalf("expected digits only, got %q", got)
	}
}
