package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/brunobiangulo/pricebot"
	"github.com/brunobiangulo/pricebot/jobs"
	"github.com/brunobiangulo/pricebot/store"
	"github.com/brunobiangulo/pricebot/whatsapp"
)

type handler struct {
	engine *pricebot.Engine
	cfg    pricebot.Config
}

func newHandler(e *pricebot.Engine, cfg pricebot.Config) *handler {
	return &handler{engine: e, cfg: cfg}
}

func newMux(h *handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /metrics", h.handleMetrics)

	mux.HandleFunc("POST /documents/upload", h.handleUploadDocument)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", h.handleGetDocument)
	mux.HandleFunc("GET /documents/jobs/{id}", h.handleGetJob)
	mux.HandleFunc("GET /documents/templates/vendor-price", h.handleVendorTemplate)

	mux.HandleFunc("GET /offers", h.handleListOffers)
	mux.HandleFunc("GET /products", h.handleListProducts)
	mux.HandleFunc("GET /products/{id}", h.handleGetProduct)
	mux.HandleFunc("GET /vendors", h.handleListVendors)
	mux.HandleFunc("GET /vendors/{id}", h.handleGetVendor)

	mux.HandleFunc("GET /price-history/product/{id}", h.handlePriceHistoryByProduct)
	mux.HandleFunc("GET /price-history/vendor/{id}", h.handlePriceHistoryByVendor)

	mux.HandleFunc("POST /chat/tools/products/resolve", h.handleResolveProducts)
	mux.HandleFunc("POST /chat/tools/offers/search-best-price", h.handleSearchBestPrice)

	mux.HandleFunc("POST /integrations/whatsapp/ingest", h.handleWhatsAppIngest)

	var retry http.Handler = http.HandlerFunc(h.handleRetryJob)
	retry = basicAuthMiddleware(h.cfg.AdminUsername, h.cfg.AdminPassword, h.cfg.Environment, retry)
	mux.Handle("POST /admin/jobs/{id}/retry", retry)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Metrics.Snapshot())
}

// POST /documents/upload — multipart: file, vendor_name. A "processor"
// field is not read: the processor is always chosen by file extension.
func (h *handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeAPIError(w, pricebotInvalid("expected multipart form with a 'file' field"))
		return
	}

	file, fh, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, pricebotInvalid("file is required"))
		return
	}
	defer file.Close()

	vendorName := r.FormValue("vendor_name")

	storageURI, err := h.engine.StoreUpload(fh.Filename, file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to store upload"})
		return
	}

	docID, jobID, err := h.engine.SubmitDocument(ctx, fh.Filename, fileExt(fh.Filename), storageURI, vendorName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to enqueue document"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": docID, "job_id": jobID})
}

func fileExt(name string) string {
	for i := len(name) - 1; i >= 0 && name[i] != '/'; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return ""
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Store.ListSourceDocuments(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to list documents"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := h.engine.Store.GetSourceDocument(r.Context(), id)
	if err != nil {
		writeAPIError(w, pricebotNotFound("document not found"))
		return
	}
	count, err := h.engine.Store.CountOffersForSourceDocument(r.Context(), id)
	if err != nil {
		count = 0
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document":    doc,
		"offer_count": count,
	})
}

// GET /documents/jobs/{id}
func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.engine.Store.GetIngestionJob(r.Context(), id)
	if err != nil {
		writeAPIError(w, pricebotNotFound("job not found"))
		return
	}

	offerCount, _ := h.engine.Store.CountOffersForSourceDocument(r.Context(), job.SourceDocumentID)
	summary := map[string]interface{}{
		"offers":   offerCount,
		"warnings": 0,
		"errors":   0,
	}
	if job.Status == "failed" {
		summary["errors"] = 1
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
		"summary":    summary,
	})
}

// POST /admin/jobs/{id}/retry — manual re-enqueue of a failed job (the
// background runner itself never retries automatically, spec §4.12).
func (h *handler) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.engine.Store.GetIngestionJob(r.Context(), id)
	if err != nil {
		writeAPIError(w, pricebotNotFound("job not found"))
		return
	}
	if job.Status != "failed" {
		writeAPIError(w, pricebotInvalid("only failed jobs can be retried"))
		return
	}
	if err := h.engine.Store.UpdateIngestionJobStatus(r.Context(), job.ID, "queued", ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to requeue job"})
		return
	}
	if err := h.engine.Store.UpdateSourceDocumentStatus(r.Context(), job.SourceDocumentID, "pending", ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to reset document status"})
		return
	}
	if err := h.engine.Jobs.Enqueue(jobs.Task{JobID: job.ID, SourceDocumentID: job.SourceDocumentID}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to enqueue retry"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// GET /documents/templates/vendor-price
func (h *handler) handleVendorTemplate(w http.ResponseWriter, r *http.Request) {
	path, err := h.engine.EnsureVendorTemplate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to prepare template"})
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="vendor-price-template.xlsx"`)
	http.ServeFile(w, r, path)
}

// GET /offers?vendor_id=&product_id=&since=&limit=
func (h *handler) handleListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := store.OfferFilter{
		VendorID:  q.Get("vendor_id"),
		ProductID: q.Get("product_id"),
		Since:     q.Get("since"),
		Limit:     limit,
	}
	offers, err := h.engine.Store.ListOffers(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to list offers"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": offers})
}

// GET /products?q=&limit=
func (h *handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	products, err := h.engine.Store.ListProducts(r.Context(), q.Get("q"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to list products"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"products": products})
}

// GET /products/{id}
func (h *handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.engine.Store.GetProduct(r.Context(), id)
	if err != nil {
		writeAPIError(w, pricebotNotFound("product not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /vendors
func (h *handler) handleListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := h.engine.Store.ListVendors(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to list vendors"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vendors": vendors})
}

// GET /vendors/{id}
func (h *handler) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := h.engine.Store.GetVendor(r.Context(), id)
	if err != nil {
		writeAPIError(w, pricebotNotFound("vendor not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /price-history/product/{id}
func (h *handler) handlePriceHistoryByProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	spans, err := h.engine.PriceHistory(r.Context(), id, "", limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spans": spans})
}

// GET /price-history/vendor/{id}
func (h *handler) handlePriceHistoryByVendor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	spans, err := h.engine.PriceHistory(r.Context(), "", id, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spans": spans})
}

// POST /chat/tools/products/resolve
func (h *handler) handleResolveProducts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string `json:"query"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, pricebotInvalid("invalid JSON body"))
		return
	}
	result, err := h.engine.ResolveProducts(r.Context(), req.Query, req.Limit, req.Offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "resolve failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /chat/tools/offers/search-best-price
func (h *handler) handleSearchBestPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string   `json:"query"`
		Limit   int      `json:"limit"`
		Vendor  string   `json:"vendor_id,omitempty"`
		Cond    string   `json:"condition,omitempty"`
		Loc     string   `json:"location,omitempty"`
		MinCost *float64 `json:"min_price,omitempty"`
		MaxCost *float64 `json:"max_price,omitempty"`
		Since   string   `json:"captured_since,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, pricebotInvalid("invalid JSON body"))
		return
	}

	filters := pricebot.BestPriceFilters{
		VendorID:      req.Vendor,
		Condition:     req.Cond,
		Location:      req.Loc,
		MinPrice:      req.MinCost,
		MaxPrice:      req.MaxCost,
		CapturedSince: req.Since,
	}
	if err := filters.Validate(); err != nil {
		writeAPIError(w, pricebotInvalid(err.Error()))
		return
	}

	results, err := h.engine.SearchBestPrice(r.Context(), req.Query, filters, req.Limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "search failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// POST /integrations/whatsapp/ingest
func (h *handler) handleWhatsAppIngest(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Ingest-Token")
	if err := h.engine.WhatsApp.Authenticate(token); err != nil {
		writeAPIError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeAPIError(w, pricebotInvalid("body too large or unreadable"))
		return
	}

	if err := h.engine.WhatsApp.VerifySignature(
		r.Header.Get("X-Signature-Timestamp"), r.Header.Get("X-Signature"), body,
	); err != nil {
		writeAPIError(w, err)
		return
	}

	var req whatsapp.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, pricebotMalformedJSON("malformed JSON body"))
		return
	}

	if err := req.Validate(); err != nil {
		writeAPIError(w, pricebotInvalid(err.Error()))
		return
	}

	if err := h.engine.WhatsApp.CheckRateLimit(req.ClientID); err != nil {
		writeAPIError(w, err)
		return
	}

	resp, err := h.engine.WhatsApp.Ingest(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "ingestion failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
