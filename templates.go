package pricebot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// vendorTemplateHeader is the canonical column order vendors fill in
// (spec §4.12).
var vendorTemplateHeader = []string{
	"MODEL/SKU", "DESCRIPTION", "PRICE", "QTY", "CONDITION", "UPC", "WAREHOUSE", "VENDOR", "NOTES",
}

var vendorTemplateExampleRow = []interface{}{
	"ABC-123", "Example Widget, 10-pack", 12.5, 10, "new", "012345678905", "Nairobi", "Acme Supply Co.", "net-30 terms",
}

// EnsureVendorTemplate writes the GET /documents/templates/vendor-price
// spreadsheet to disk on first request, reusing it on subsequent calls.
func (e *Engine) EnsureVendorTemplate() (string, error) {
	path := e.VendorTemplatePath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("preparing templates dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Vendor Price List"
	f.SetSheetName(f.GetSheetList()[0], sheet)

	headerRow := make([]interface{}, len(vendorTemplateHeader))
	for i, h := range vendorTemplateHeader {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return "", fmt.Errorf("writing template header: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A2", &vendorTemplateExampleRow); err != nil {
		return "", fmt.Errorf("writing template example row: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("saving template: %w", err)
	}
	return path, nil
}
