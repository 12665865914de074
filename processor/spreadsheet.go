package processor

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerTokens is the case-insensitive dictionary of recognized header
// column tokens (spec §4.2.1). Published as a fixture in
// processor/testdata/header_tokens.json (spec §9 open question).
var headerTokens = map[string]string{
	"brand": "brand", "manufacturer": "brand", "make": "brand",
	"model": "model", "sku": "model", "mpn": "model",
	"description": "description", "item": "description", "product": "description",
	"price": "price", "unit price": "price", "cost": "price",
	"qty": "quantity", "quantity": "quantity", "stock": "quantity",
	"condition": "condition", "grade": "condition",
	"upc": "upc", "ean": "upc",
	"warehouse": "location", "location": "location",
	"vendor": "vendor", "supplier": "vendor",
	"notes": "notes",
}

var currencyStripRe = regexp.MustCompile(`[^0-9.\-]`)
var headerWordRe = regexp.MustCompile(`[^a-z0-9]+`)

// SpreadsheetProcessor implements the spreadsheet processor described in
// spec §4.2: .xlsx/.xls via excelize, .csv via encoding/csv, both reduced
// to the same row-of-cells shape before header detection.
type SpreadsheetProcessor struct {
	LLM LLMCapability
}

func (p *SpreadsheetProcessor) Accepts(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return ext == "xlsx" || ext == "xls" || ext == "csv"
}

func (p *SpreadsheetProcessor) Process(ctx context.Context, path string, pctx Context) (*Result, error) {
	sheets, err := loadSheets(path)
	if err != nil {
		return nil, err
	}

	res := &Result{Metadata: Metadata{ProcessorName: "spreadsheet"}}

	for sheetName, rows := range sheets {
		if len(rows) == 0 {
			continue
		}
		p.processSheet(ctx, sheetName, rows, pctx, res)
	}

	res.Metadata.RowCount = len(res.Offers)
	return res, nil
}

func loadSheets(path string) (map[string][][]string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "csv" {
		rows, err := loadCSV(path)
		if err != nil {
			return nil, err
		}
		return map[string][][]string{"Sheet1": rows}, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := make(map[string][][]string)
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}
		sheets[name] = rows
	}
	return sheets, nil
}

// loadCSV reads a CSV file with encoding/csv. No third-party CSV library
// appears anywhere in the retrieval pack (see DESIGN.md); excelize only
// handles the OOXML formats, so the stdlib reader is the justified choice
// here.
func loadCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func (p *SpreadsheetProcessor) processSheet(ctx context.Context, sheet string, rows [][]string, pctx Context, res *Result) {
	headerIdx, colMap := detectHeader(rows)

	var dataRows [][]string
	var headerless bool
	if headerIdx < 0 {
		headerless = true
		dataRows = rows
		colMap = headerlessColumnMap(rows)
		if colMap == nil {
			res.Warnings = append(res.Warnings, Warning{Code: "no_header", Message: fmt.Sprintf("sheet %q: no header row and no usable headerless layout", sheet)})
			return
		}
	} else {
		dataRows = rows[headerIdx+1:]
	}

	for i, row := range dataRows {
		rowNum := i + 1
		if headerless {
			rowNum = i + 1
		} else {
			rowNum = headerIdx + i + 2
		}

		offer, warn, ok := parseRow(row, colMap, pctx.DeclaredVendor)
		if !ok {
			if pctx.PreferLLM && p.LLM != nil {
				if extracted, err := p.LLM.ExtractRow(ctx, strings.Join(row, " | ")); err == nil && extracted != nil {
					res.Offers = append(res.Offers, *extracted)
					continue
				}
			}
			res.Warnings = append(res.Warnings, Warning{Row: rowNum, Code: "row_warning", Message: warn})
			continue
		}
		res.Offers = append(res.Offers, offer)
	}
}

// detectHeader returns the index of the first row whose non-empty cells
// match >= 2 recognized header tokens, and the resulting column map. -1
// means no header row was found.
func detectHeader(rows [][]string) (int, map[string]int) {
	limit := len(rows)
	if limit > 10 {
		limit = 10 // header is always near the top
	}
	for i := 0; i < limit; i++ {
		colMap := make(map[string]int)
		matches := 0
		for col, cell := range rows[i] {
			if field, ok := headerField(cell); ok {
				colMap[field] = col
				matches++
			}
		}
		if matches >= 2 {
			return i, colMap
		}
	}
	return -1, nil
}

// headerField resolves a header cell to a recognized field name. The full
// cell is checked against the dictionary first (covering multi-word
// tokens like "unit price"); failing that, the cell is split on
// non-alphanumeric separators so composite headers like "MODEL/SKU" still
// resolve via their first recognized word.
func headerField(cell string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(cell))
	if field, ok := headerTokens[normalized]; ok {
		return field, true
	}
	for _, word := range headerWordRe.Split(normalized, -1) {
		if field, ok := headerTokens[word]; ok {
			return field, true
		}
	}
	return "", false
}

// headerlessColumnMap assumes (description, price, quantity) by position
// when a numeric column exists adjacent to a text column (spec §4.2.2).
func headerlessColumnMap(rows [][]string) map[string]int {
	if len(rows) == 0 {
		return nil
	}
	sample := rows[0]
	for col := 0; col < len(sample)-1; col++ {
		if !isNumericCell(sample[col]) && isNumericCell(sample[col+1]) {
			m := map[string]int{"description": col, "price": col + 1}
			if col+2 < len(sample) && isNumericCell(sample[col+2]) {
				m["quantity"] = col + 2
			}
			return m
		}
	}
	return nil
}

func isNumericCell(s string) bool {
	_, err := parseAmount(currencyStripRe.ReplaceAllString(s, ""))
	return err == nil && strings.TrimSpace(s) != ""
}

func parseRow(row []string, colMap map[string]int, declaredVendor string) (RawOffer, string, bool) {
	cell := func(field string) string {
		idx, ok := colMap[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rawRow := make(map[string]string, len(colMap))
	for field, idx := range colMap {
		if idx < len(row) {
			rawRow[field] = row[idx]
		}
	}

	desc := cell("description")
	priceStr := cell("price")
	if desc == "" || priceStr == "" {
		return RawOffer{}, "missing price or description", false
	}

	price, err := parseAmount(currencyStripRe.ReplaceAllString(priceStr, ""))
	if err != nil || price <= 0 {
		return RawOffer{}, fmt.Sprintf("invalid price %q", priceStr), false
	}

	offer := RawOffer{
		Description: desc,
		Price:       price,
		Currency:    "",
		Brand:       cell("brand"),
		Model:       cell("model"),
		UPC:         normalizeUPC(cell("upc")),
		Location:    cell("location"),
		Condition:   strings.ToLower(cell("condition")),
		Notes:       cell("notes"),
		VendorHint:  cell("vendor"),
		RawRow:      rawRow,
	}
	if offer.VendorHint == "" {
		offer.VendorHint = declaredVendor
	}
	if qtyStr := cell("quantity"); qtyStr != "" {
		if q, err := strconv.Atoi(strings.TrimSpace(currencyStripRe.ReplaceAllString(qtyStr, ""))); err == nil {
			offer.Quantity = q
		}
	}
	return offer, "", true
}

// normalizeUPC strips everything but digits, per spec §4.5.2a.
func normalizeUPC(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
