package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WhatsAppTextProcessor implements the whatsapp_text processor (spec
// §4.1, §4.4): plain .txt chat exports, parsed with ParseTranscript so
// consecutive lines are attributed to the last observed sender.
type WhatsAppTextProcessor struct{}

func (p *WhatsAppTextProcessor) Accepts(path string) bool {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) == "txt"
}

func (p *WhatsAppTextProcessor) Process(ctx context.Context, path string, pctx Context) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	res := &Result{Metadata: Metadata{ProcessorName: "whatsapp_text"}}
	res.Offers = ParseTranscript(string(data))
	res.Metadata.RowCount = len(res.Offers)
	return res, nil
}
