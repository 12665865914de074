package processor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Registry maps a processor name to its Processor implementation and
// selects one for a file when the caller does not name one explicitly.
type Registry struct {
	named      map[string]Processor
	extensions map[string]string // extension -> processor name
}

// NewRegistry builds the default registry: spreadsheet, document_text,
// and whatsapp_text, wired to the extension table in spec §4.1.
func NewRegistry(llm LLMCapability, vision VisionCapability) *Registry {
	r := &Registry{
		named:      make(map[string]Processor),
		extensions: make(map[string]string),
	}

	r.Register("spreadsheet", []string{"xlsx", "xls", "csv"}, &SpreadsheetProcessor{LLM: llm})
	r.Register("document_text", []string{"pdf", "png", "jpg", "jpeg", "webp", "tif", "tiff"}, &DocumentProcessor{Vision: vision})
	r.Register("whatsapp_text", []string{"txt"}, &WhatsAppTextProcessor{})

	return r
}

// Register adds or replaces a named processor and claims the given
// extensions for automatic selection.
func (r *Registry) Register(name string, extensions []string, p Processor) {
	r.named[name] = p
	for _, ext := range extensions {
		r.extensions[ext] = name
	}
}

// Get returns the processor registered under name.
func (r *Registry) Get(name string) (Processor, error) {
	p, ok := r.named[name]
	if !ok {
		return nil, fmt.Errorf("processor: no processor named %q", name)
	}
	return p, nil
}

// Select picks a processor for path. If name is non-empty the caller has
// named a processor explicitly; otherwise selection is by file extension
// per the table in spec §4.1.
func (r *Registry) Select(path, name string) (Processor, string, error) {
	if name != "" {
		p, err := r.Get(name)
		return p, name, err
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	procName, ok := r.extensions[ext]
	if !ok {
		return nil, "", fmt.Errorf("processor: unsupported file type %q", ext)
	}
	p, err := r.Get(procName)
	return p, procName, err
}
