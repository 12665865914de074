// Package pricebot wires the ingestion pipeline, entity resolver, price
// history engine, background job runner, and WhatsApp live-ingest service
// into a single Engine, the root of the dependency graph cmd/server hangs
// its HTTP surface off of.
package pricebot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/history"
	"github.com/brunobiangulo/pricebot/jobs"
	"github.com/brunobiangulo/pricebot/llm"
	"github.com/brunobiangulo/pricebot/processor"
	"github.com/brunobiangulo/pricebot/resolver"
	"github.com/brunobiangulo/pricebot/store"
	"github.com/brunobiangulo/pricebot/whatsapp"
)

// Engine is the assembled Pricebot service: every package wired together
// behind the operations cmd/server exposes over HTTP (spec §6).
type Engine struct {
	cfg Config

	Store     *store.Store
	Resolver  *resolver.Resolver
	History   *history.Engine
	Registry  *processor.Registry
	Ingestion *IngestionService
	Jobs      *jobs.Runner
	WhatsApp  *whatsapp.Service
	Metrics   *Metrics

	embedder resolver.Embedder

	lastExtractMu    sync.Mutex
	lastExtractAt    map[string]string
	lastExtractMsgID map[string]string
}

// New builds an Engine from cfg. It opens the SQLite store, constructs the
// resolver/history/processor/ingestion stack, and starts the background
// job runner. Callers must call Close when done.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := os.MkdirAll(cfg.IngestionStorageDir, 0o755); err != nil {
		s.Close()
		return nil, fmt.Errorf("preparing storage dir: %w", err)
	}

	metrics := NewMetrics()
	hist := history.New(s, metrics)

	var embedder resolver.Embedder
	var llmCap processor.LLMCapability = processor.NoopLLM{}
	var visionCap processor.VisionCapability = processor.NoopVision{}
	if cfg.EnableLLMExtraction {
		if cfg.LLM.Provider == "" {
			slog.Warn("llm extraction enabled but llm.provider is unset; falling back to heuristic-only extraction")
		} else {
			provider, perr := llm.NewProvider(llm.Config{
				Provider: cfg.LLM.Provider,
				Model:    cfg.LLM.Model,
				BaseURL:  cfg.LLM.BaseURL,
				APIKey:   cfg.LLM.APIKey,
			})
			if perr != nil {
				slog.Error("constructing llm row-extraction provider; falling back to heuristic-only extraction", "error", perr)
			} else {
				llmCap = &llmRowExtractor{provider: provider}
				// llm.Provider's Embed method already satisfies
				// resolver.Embedder, so the same client doubles as the
				// alias-embedding fuzzy-match capability (spec §4.5.2d).
				embedder = provider
			}
		}

		if cfg.Vision.Provider == "" {
			slog.Warn("llm extraction enabled but vision.provider is unset; document processor OCR fallback stays disabled")
		} else {
			visionProvider, verr := llm.NewProvider(llm.Config{
				Provider: cfg.Vision.Provider,
				Model:    cfg.Vision.Model,
				BaseURL:  cfg.Vision.BaseURL,
				APIKey:   cfg.Vision.APIKey,
			})
			if verr != nil {
				slog.Error("constructing llm vision provider; document processor OCR fallback stays disabled", "error", verr)
			} else if vp, ok := visionProvider.(llm.VisionProvider); ok {
				visionCap = &llmVisionExtractor{provider: vp}
			} else {
				slog.Warn("configured vision provider does not support image input; OCR fallback stays disabled", "provider", cfg.Vision.Provider)
			}
		}
	}

	res := resolver.New(s, embedder, cfg.AliasMatchThreshold, cfg.AliasMatchCandidates)
	reg := processor.NewRegistry(llmCap, visionCap)
	ingestion := NewIngestionService(s, res, hist, cfg.DefaultCurrency, metrics)

	e := &Engine{
		cfg:              cfg,
		Store:            s,
		Resolver:         res,
		History:          hist,
		Registry:         reg,
		Ingestion:        ingestion,
		Metrics:          metrics,
		embedder:         embedder,
		lastExtractAt:    make(map[string]string),
		lastExtractMsgID: make(map[string]string),
	}

	e.Jobs = jobs.NewRunner(s, func(ctx context.Context, task jobs.Task) error {
		err := e.runIngestionJob(ctx, task)
		if err != nil {
			metrics.IncJobsFailed()
		} else {
			metrics.IncJobsSucceeded()
		}
		return err
	}, cfg.JobWorkers, cfg.JobQueueSize, cfg.JobShutdownGrace)
	e.Jobs.Start(ctx)

	if n, err := e.Jobs.Reconcile(ctx, 15*time.Minute); err != nil {
		slog.Error("reconciling orphaned jobs at startup", "error", err)
	} else if n > 0 {
		slog.Warn("reconciled orphaned jobs left running by a previous process", "count", n)
	}

	e.WhatsApp = whatsapp.New(s, whatsapp.Config{
		Token:             cfg.WhatsAppIngestToken,
		HMACSecret:        cfg.WhatsAppIngestHMACSecret,
		SignatureTTL:      cfg.WhatsAppIngestSignatureTTL,
		RateLimitPerMin:   cfg.WhatsAppRateLimitPerMinute,
		RateLimitBurst:    cfg.WhatsAppRateLimitBurst,
		ContentHashWindow: cfg.WhatsAppContentHashWindow,
		ExtractDebounce:   cfg.WhatsAppExtractDebounce,
		Environment:       cfg.Environment,
	}, e, metrics)

	return e, nil
}

// Close releases the underlying store and stops the job runner, giving
// in-flight jobs up to their configured grace period to finish.
func (e *Engine) Close() error {
	e.Jobs.Shutdown()
	return e.Store.Close()
}

// SubmitDocument registers an uploaded artefact as a SourceDocument and
// enqueues a background ingestion job for it (spec §4.1, §4.7).
func (e *Engine) SubmitDocument(ctx context.Context, originalFilename, declaredFileType, storageURI, declaredVendor string) (docID, jobID string, err error) {
	docID = uuid.NewString()
	doc := store.SourceDocument{
		ID:               docID,
		OriginalFilename: originalFilename,
		DeclaredFileType: declaredFileType,
		StorageURI:       storageURI,
		IngestStartedAt:  time.Now().UTC().Format(time.RFC3339),
		Status:           "pending",
	}
	if declaredVendor != "" {
		doc.Metadata = fmt.Sprintf(`{"declared_vendor":%q}`, declaredVendor)
	}
	if err := e.Store.InsertSourceDocument(ctx, doc); err != nil {
		return "", "", fmt.Errorf("recording source document: %w", err)
	}

	jobID = uuid.NewString()
	if err := e.Store.InsertIngestionJob(ctx, store.IngestionJob{
		ID:               jobID,
		SourceDocumentID: docID,
		Status:           "queued",
	}); err != nil {
		return docID, "", fmt.Errorf("recording ingestion job: %w", err)
	}

	if err := e.Jobs.Enqueue(jobs.Task{JobID: jobID, SourceDocumentID: docID}); err != nil {
		return docID, jobID, fmt.Errorf("enqueueing ingestion job: %w", err)
	}
	return docID, jobID, nil
}

// runIngestionJob is the jobs.Handler the background runner invokes for
// every SubmitDocument task: select the processor by file extension,
// extract rows, and ingest them (spec §4.1 steps 2-5).
func (e *Engine) runIngestionJob(ctx context.Context, task jobs.Task) error {
	doc, err := e.Store.GetSourceDocument(ctx, task.SourceDocumentID)
	if err != nil {
		return fmt.Errorf("loading source document: %w", err)
	}

	if err := e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, "processing", ""); err != nil {
		return fmt.Errorf("marking document processing: %w", err)
	}

	declaredVendor := extractDeclaredVendor(doc.Metadata)

	p, _, err := e.Registry.Select(doc.StorageURI, "")
	if err != nil {
		e.recordFailure(doc.ID, "", err)
		_ = e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, "failed", time.Now().UTC().Format(time.RFC3339))
		return fmt.Errorf("selecting processor: %w", err)
	}

	result, err := p.Process(ctx, doc.StorageURI, processor.Context{DeclaredVendor: declaredVendor})
	if err != nil {
		e.recordFailure(doc.ID, result.Metadata.ProcessorName, err)
		_ = e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, "failed", time.Now().UTC().Format(time.RFC3339))
		return fmt.Errorf("processing document: %w", err)
	}

	summary, err := e.Ingestion.IngestRows(ctx, *doc, declaredVendor, result.Offers)
	if err != nil {
		e.recordFailure(doc.ID, result.Metadata.ProcessorName, err)
		_ = e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, "failed", time.Now().UTC().Format(time.RFC3339))
		return fmt.Errorf("ingesting rows: %w", err)
	}

	endedAt := time.Now().UTC().Format(time.RFC3339)
	status := "processed"
	if len(result.Warnings) > 0 || len(summary.Warnings) > 0 {
		status = "processed_with_warnings"
	}
	if err := e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, status, endedAt); err != nil {
		return fmt.Errorf("marking document %s: %w", status, err)
	}

	e.Metrics.IncDocumentsIngested()
	return nil
}

func (e *Engine) recordFailure(docID, processorName string, err error) {
	e.Metrics.RecordFailure(FailureRecord{
		DocumentID: docID,
		Processor:  processorName,
		Error:      err.Error(),
		At:         time.Now().UTC(),
	})
}

func extractDeclaredVendor(metadataJSON string) string {
	const key = `"declared_vendor":"`
	i := strings.Index(metadataJSON, key)
	if i < 0 {
		return ""
	}
	rest := metadataJSON[i+len(key):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// ExtractAndIngest implements whatsapp.Extractor: it reads every message
// observed in a chat since the last extraction run, re-assembles them into
// a transcript, and ingests the resulting rows under the chat's mapped
// vendor, or, for a chat with no mapped vendor, under a vendor named after
// the chat's title (spec §4.8.6, §4.4).
func (e *Engine) ExtractAndIngest(ctx context.Context, chatID string) error {
	chat, err := e.Store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("loading chat %s: %w", chatID, err)
	}

	since, lastMsgID := e.markExtracting(chatID)
	msgs, err := e.Store.RecentMessagesForChat(ctx, chatID, since)
	if err != nil {
		return fmt.Errorf("loading recent messages for chat %s: %w", chatID, err)
	}

	var transcript strings.Builder
	latestObserved := since
	latestMsgID := lastMsgID
	for _, m := range msgs {
		if m.ID == lastMsgID {
			// Already folded into the previous extraction's transcript;
			// the >= window re-fetches it to catch ties at the same
			// observed_at timestamp, but it must not be ingested twice.
			continue
		}
		sender := m.SenderName
		if sender == "" {
			sender = chat.Title
		}
		fmt.Fprintf(&transcript, "[%s] %s: %s\n", m.ObservedAt, sender, m.Text)
		// Messages arrive ordered by observed_at ASC, so the last one
		// processed here carries the greatest timestamp seen.
		latestObserved = m.ObservedAt
		latestMsgID = m.ID
	}
	e.setLastExtractAt(chatID, latestObserved, latestMsgID)

	if transcript.Len() == 0 {
		return nil
	}

	offers := processor.ParseTranscript(transcript.String())
	if len(offers) == 0 {
		return nil
	}

	declaredVendor := chat.Title
	if chat.VendorID != "" {
		v, err := e.Store.GetVendor(ctx, chat.VendorID)
		if err != nil {
			return fmt.Errorf("loading mapped vendor for chat %s: %w", chatID, err)
		}
		declaredVendor = v.Name
	}

	doc := store.SourceDocument{
		ID:               uuid.NewString(),
		VendorID:         chat.VendorID,
		OriginalFilename: fmt.Sprintf("whatsapp-chat-%s.txt", chatID),
		DeclaredFileType: "whatsapp_text",
		StorageURI:       fmt.Sprintf("whatsapp-chat://%s", chatID),
		IngestStartedAt:  time.Now().UTC().Format(time.RFC3339),
		Status:           "processing",
	}
	if err := e.Store.InsertSourceDocument(ctx, doc); err != nil {
		return fmt.Errorf("recording whatsapp extraction document for chat %s: %w", chatID, err)
	}

	_, err = e.Ingestion.IngestRows(ctx, doc, declaredVendor, offers)
	status := "processed"
	if err != nil {
		status = "failed"
	}
	if uerr := e.Store.UpdateSourceDocumentStatus(ctx, doc.ID, status, time.Now().UTC().Format(time.RFC3339)); uerr != nil {
		slog.Error("marking whatsapp extraction document status", "chat_id", chatID, "error", uerr)
	}
	if err != nil {
		return fmt.Errorf("ingesting whatsapp extraction for chat %s: %w", chatID, err)
	}
	return nil
}

func (e *Engine) markExtracting(chatID string) (since, lastMsgID string) {
	e.lastExtractMu.Lock()
	defer e.lastExtractMu.Unlock()
	since, ok := e.lastExtractAt[chatID]
	if !ok {
		since = time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	}
	return since, e.lastExtractMsgID[chatID]
}

func (e *Engine) setLastExtractAt(chatID, at, msgID string) {
	e.lastExtractMu.Lock()
	defer e.lastExtractMu.Unlock()
	e.lastExtractAt[chatID] = at
	e.lastExtractMsgID[chatID] = msgID
}

// VendorTemplatePath returns where the GET /documents/templates/vendor-price
// download is staged before being streamed back (spec §4.12).
func (e *Engine) VendorTemplatePath() string {
	return filepath.Join(e.cfg.IngestionStorageDir, "templates", "vendor-price-template.xlsx")
}
