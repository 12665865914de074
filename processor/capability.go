package processor

import "context"

// LLMCapability is the optional LLM-assisted row extraction capability
// used by the spreadsheet processor (spec §4.2.5) when a heuristic parse
// fails and prefer_llm is set. A nil LLMCapability disables the fallback;
// the pipeline still produces correct, smaller output (spec §9).
type LLMCapability interface {
	ExtractRow(ctx context.Context, rawRow string) (*RawOffer, error)
}

// VisionCapability is the optional vision-based text extraction used by
// the document processor (spec §4.3.2) when a PDF has no usable embedded
// text, or for image artefacts. A nil VisionCapability disables the path;
// the document completes as processed_with_warnings (spec §4.3, failure
// mode).
type VisionCapability interface {
	ExtractText(ctx context.Context, fileBytes []byte, mimeType string) (string, error)
}

// NoopLLM is the capability-disabled default: every call fails cleanly so
// callers fall back to the heuristic-only path.
type NoopLLM struct{}

func (NoopLLM) ExtractRow(ctx context.Context, rawRow string) (*RawOffer, error) {
	return nil, errDisabled
}

// NoopVision is the capability-disabled default for VisionCapability.
type NoopVision struct{}

func (NoopVision) ExtractText(ctx context.Context, fileBytes []byte, mimeType string) (string, error) {
	return "", errDisabled
}

var errDisabled = disabledError("processor: capability disabled")

type disabledError string

func (e disabledError) Error() string { return string(e) }
