package pricebot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/brunobiangulo/pricebot/llm"
	"github.com/brunobiangulo/pricebot/processor"
)

// llmRowExtractor adapts an llm.Provider into processor.LLMCapability,
// wiring the spreadsheet processor's row-level LLM fallback (spec §4.2
// step 5) to a real chat completion call instead of leaving the
// capability a permanent no-op.
type llmRowExtractor struct {
	provider llm.Provider
}

const rowExtractionSystemPrompt = `You extract a single vendor price-list row into JSON.
Given raw spreadsheet cell text, respond with exactly one JSON object with
these keys: description (string), price (number), currency (3-letter code
or empty string), quantity (integer, 0 if unknown), condition (string),
brand (string), model (string), upc (string), location (string),
vendor_hint (string), notes (string). Use empty string/zero for any field
you cannot determine. Respond with JSON only, no surrounding text.`

// extractedRow mirrors processor.RawOffer's scalar fields for JSON
// decoding; RawOffer.RawRow is filled in by the caller from the original
// cells, not by the model.
type extractedRow struct {
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	Quantity    int     `json:"quantity"`
	Condition   string  `json:"condition"`
	Brand       string  `json:"brand"`
	Model       string  `json:"model"`
	UPC         string  `json:"upc"`
	Location    string  `json:"location"`
	VendorHint  string  `json:"vendor_hint"`
	Notes       string  `json:"notes"`
}

// ExtractRow implements processor.LLMCapability.
func (x *llmRowExtractor) ExtractRow(ctx context.Context, rawRow string) (*processor.RawOffer, error) {
	resp, err := x.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: rowExtractionSystemPrompt},
			{Role: "user", Content: rawRow},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("llm row extraction: %w", err)
	}

	var extracted extractedRow
	if err := json.Unmarshal([]byte(resp.Content), &extracted); err != nil {
		return nil, fmt.Errorf("decoding llm row extraction response: %w", err)
	}
	if extracted.Description == "" || extracted.Price <= 0 {
		return nil, fmt.Errorf("llm row extraction: no usable description/price in %q", rawRow)
	}

	return &processor.RawOffer{
		Description: extracted.Description,
		Price:       extracted.Price,
		Currency:    extracted.Currency,
		Quantity:    extracted.Quantity,
		Condition:   extracted.Condition,
		Brand:       extracted.Brand,
		Model:       extracted.Model,
		UPC:         extracted.UPC,
		Location:    extracted.Location,
		VendorHint:  extracted.VendorHint,
		Notes:       extracted.Notes,
		RawRow:      map[string]string{"raw": rawRow},
	}, nil
}

// llmVisionExtractor adapts an llm.VisionProvider into
// processor.VisionCapability, wiring the document processor's OCR
// fallback (spec §4.3 step 2) to a real vision-capable chat call.
type llmVisionExtractor struct {
	provider llm.VisionProvider
}

// ExtractText implements processor.VisionCapability. It base64-encodes
// fileBytes and submits it as an image_url data URI, per spec §4.3.2.
func (x *llmVisionExtractor) ExtractText(ctx context.Context, fileBytes []byte, mimeType string) (string, error) {
	b64 := base64.StdEncoding.EncodeToString(fileBytes)

	resp, err := x.provider.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{
			{
				Role: "user",
				Content: []llm.ContentPart{
					{
						Type: "text",
						Text: "Extract all readable text from this document, including every price, " +
							"product description, and line item. Preserve line breaks between items.",
					},
					{
						Type:     "image_url",
						ImageURL: &llm.ImageURL{URL: "data:" + mimeType + ";base64," + b64},
					},
				},
			},
		},
		MaxTokens: 4096,
	})
	if err != nil {
		return "", fmt.Errorf("vision extraction: %w", err)
	}
	return resp.Content, nil
}
