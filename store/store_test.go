//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newID() string {
	return uuid.NewString()
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Vendor CRUD
// ---------------------------------------------------------------------------

func TestUpsertVendorCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertVendor(ctx, newID(), "Acme Electronics", "", "")
	if err != nil {
		t.Fatalf("upserting vendor: %v", err)
	}

	id2, err := s.UpsertVendor(ctx, newID(), "ACME ELECTRONICS", "", "")
	if err != nil {
		t.Fatalf("upserting vendor again: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("expected case-insensitive match to return same id, got %q and %q", id1, id2)
	}

	v, err := s.GetVendorByName(ctx, "acme electronics")
	if err != nil {
		t.Fatalf("getting vendor by name: %v", err)
	}
	if v.Name != "Acme Electronics" {
		t.Fatalf("expected original casing preserved, got %q", v.Name)
	}
}

func TestListVendorsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertVendor(ctx, newID(), "Zebra Supply", "", "")
	s.UpsertVendor(ctx, newID(), "Acme Electronics", "", "")

	vendors, err := s.ListVendors(ctx)
	if err != nil {
		t.Fatalf("listing vendors: %v", err)
	}
	if len(vendors) != 2 || vendors[0].Name != "Acme Electronics" {
		t.Fatalf("expected vendors ordered by name, got %+v", vendors)
	}
}

// ---------------------------------------------------------------------------
// Product CRUD and lookup
// ---------------------------------------------------------------------------

func TestProductLookupByUPCAndBrandModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := Product{
		ID:            newID(),
		CanonicalName: "iPhone 12 128GB",
		Brand:         "Apple",
		ModelNumber:   "A2172",
		UPC:           "194252099371",
	}
	if err := s.InsertProduct(ctx, p); err != nil {
		t.Fatalf("inserting product: %v", err)
	}

	byUPC, err := s.GetProductByUPC(ctx, "194252099371")
	if err != nil {
		t.Fatalf("getting product by upc: %v", err)
	}
	if byUPC.ID != p.ID {
		t.Fatalf("expected upc lookup to return inserted product")
	}

	byBrandModel, err := s.GetProductByBrandModel(ctx, "apple", "a2172")
	if err != nil {
		t.Fatalf("getting product by brand+model: %v", err)
	}
	if byBrandModel.ID != p.ID {
		t.Fatalf("expected case-insensitive brand+model lookup to return inserted product")
	}
}

func TestListProductsSubstringMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertProduct(ctx, Product{ID: newID(), CanonicalName: "iPhone 12 128GB", Brand: "Apple", ModelNumber: "A2172"})
	s.InsertProduct(ctx, Product{ID: newID(), CanonicalName: "Galaxy S23", Brand: "Samsung", ModelNumber: "SM-S911"})

	results, err := s.ListProducts(ctx, "iphone", 10)
	if err != nil {
		t.Fatalf("listing products: %v", err)
	}
	if len(results) != 1 || results[0].Brand != "Apple" {
		t.Fatalf("expected 1 apple product, got %+v", results)
	}
}

// ---------------------------------------------------------------------------
// Alias CRUD and vector search
// ---------------------------------------------------------------------------

func TestAliasExactLookupVendorScopedBeforeGlobal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	productA := newID()
	productB := newID()
	s.InsertProduct(ctx, Product{ID: productA, CanonicalName: "iPhone 12 128GB"})
	s.InsertProduct(ctx, Product{ID: productB, CanonicalName: "iPhone 12 128GB Refurb"})

	vendorID := newID()
	s.UpsertVendor(ctx, vendorID, "Acme Electronics", "", "")

	// Global alias points at product B, vendor-scoped alias points at product A.
	if err := s.InsertAlias(ctx, newID(), productB, "ip12 128", ""); err != nil {
		t.Fatalf("inserting global alias: %v", err)
	}
	if err := s.InsertAlias(ctx, newID(), productA, "ip12 128", vendorID); err != nil {
		t.Fatalf("inserting vendor alias: %v", err)
	}

	scoped, err := s.FindAliasExact(ctx, "IP12 128", vendorID)
	if err != nil {
		t.Fatalf("vendor-scoped lookup: %v", err)
	}
	if scoped.ProductID != productA {
		t.Fatalf("expected vendor-scoped match to win, got product %q", scoped.ProductID)
	}

	global, err := s.FindAliasExact(ctx, "IP12 128", "")
	if err != nil {
		t.Fatalf("global lookup: %v", err)
	}
	if global.ProductID != productB {
		t.Fatalf("expected unscoped lookup to return global alias, got product %q", global.ProductID)
	}
}

func TestSearchAliasesByEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	productID := newID()
	s.InsertProduct(ctx, Product{ID: productID, CanonicalName: "iPhone 12 128GB"})

	aliasID := newID()
	if err := s.InsertAlias(ctx, aliasID, productID, "ip12 128gb", ""); err != nil {
		t.Fatalf("inserting alias: %v", err)
	}
	if err := s.InsertAliasEmbedding(ctx, aliasID, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("inserting alias embedding: %v", err)
	}

	matches, err := s.SearchAliasesByEmbedding(ctx, []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("searching alias embeddings: %v", err)
	}
	if len(matches) != 1 || matches[0].ProductID != productID {
		t.Fatalf("expected 1 match for inserted product, got %+v", matches)
	}
	if matches[0].Score < 0.99 {
		t.Fatalf("expected near-1.0 similarity for identical vector, got %f", matches[0].Score)
	}
}

// ---------------------------------------------------------------------------
// Source document + offer + span wiring
// ---------------------------------------------------------------------------

func TestOfferAndSpanLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vendorID := newID()
	s.UpsertVendor(ctx, vendorID, "Acme Electronics", "", "")
	productID := newID()
	s.InsertProduct(ctx, Product{ID: productID, CanonicalName: "iPhone 12 128GB"})

	docID := newID()
	if err := s.InsertSourceDocument(ctx, SourceDocument{
		ID: docID, VendorID: vendorID, OriginalFilename: "prices.csv",
		DeclaredFileType: "csv", StorageURI: "file:///tmp/prices.csv",
		IngestStartedAt: "2024-01-02T00:00:00Z", Status: "processing",
	}); err != nil {
		t.Fatalf("inserting source document: %v", err)
	}

	offerID := newID()
	if err := s.InsertOffer(ctx, Offer{
		ID: offerID, ProductID: productID, VendorID: vendorID, SourceDocumentID: docID,
		CapturedAt: "2024-01-02T00:00:00Z", Price: 600, Currency: "USD", Quantity: 10,
	}); err != nil {
		t.Fatalf("inserting offer: %v", err)
	}

	spanID := newID()
	if err := s.InsertSpan(ctx, PriceHistorySpan{
		ID: spanID, ProductID: productID, VendorID: vendorID, Price: 600, Currency: "USD",
		ValidFrom: "2024-01-02T00:00:00Z", SourceOfferID: offerID,
	}); err != nil {
		t.Fatalf("inserting span: %v", err)
	}

	best, err := s.SearchBestPrice(ctx, productID, 10)
	if err != nil {
		t.Fatalf("searching best price: %v", err)
	}
	if len(best) != 1 || best[0].VendorName != "Acme Electronics" {
		t.Fatalf("expected 1 active offer from Acme Electronics, got %+v", best)
	}

	spans, err := s.ListSpansForProductVendor(ctx, productID, vendorID)
	if err != nil {
		t.Fatalf("listing spans: %v", err)
	}
	if len(spans) != 1 || spans[0].ValidTo != nil {
		t.Fatalf("expected 1 open span, got %+v", spans)
	}

	if err := s.CloseSpan(ctx, spanID, "2024-02-01T00:00:00Z"); err != nil {
		t.Fatalf("closing span: %v", err)
	}

	bestAfterClose, err := s.SearchBestPrice(ctx, productID, 10)
	if err != nil {
		t.Fatalf("searching best price after close: %v", err)
	}
	if len(bestAfterClose) != 0 {
		t.Fatalf("expected no active offers once span closed, got %+v", bestAfterClose)
	}
}

// ---------------------------------------------------------------------------
// Ingestion job lifecycle
// ---------------------------------------------------------------------------

func TestIngestionJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := newID()
	s.InsertSourceDocument(ctx, SourceDocument{
		ID: docID, OriginalFilename: "prices.csv", DeclaredFileType: "csv",
		StorageURI: "file:///tmp/prices.csv", IngestStartedAt: "2024-01-02T00:00:00Z", Status: "processing",
	})

	jobID := newID()
	if err := s.InsertIngestionJob(ctx, IngestionJob{ID: jobID, SourceDocumentID: docID, Status: "queued"}); err != nil {
		t.Fatalf("inserting job: %v", err)
	}

	if err := s.UpdateIngestionJobStatus(ctx, jobID, "running", ""); err != nil {
		t.Fatalf("updating job status: %v", err)
	}

	running, err := s.ListJobsByStatus(ctx, "running")
	if err != nil {
		t.Fatalf("listing jobs by status: %v", err)
	}
	if len(running) != 1 || running[0].ID != jobID {
		t.Fatalf("expected 1 running job, got %+v", running)
	}
}

// ---------------------------------------------------------------------------
// WhatsApp chat + message dedupe
// ---------------------------------------------------------------------------

func TestUpsertChatByPlatformJID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertChat(ctx, newID(), "Electronics Resellers", "group", "120363000@g.us", "")
	if err != nil {
		t.Fatalf("upserting chat: %v", err)
	}

	id2, err := s.UpsertChat(ctx, newID(), "Electronics Resellers (renamed)", "group", "120363000@g.us", "")
	if err != nil {
		t.Fatalf("upserting chat again: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("expected platform_jid match to return same chat id")
	}
}

func TestMessageDedupeByPlatformIDAndContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chatID, _ := s.UpsertChat(ctx, newID(), "Electronics Resellers", "group", "120363000@g.us", "")

	if err := s.InsertMessage(ctx, WhatsAppMessage{
		ID: newID(), ChatID: chatID, ClientID: newID(), ObservedAt: "2024-01-02T00:00:00Z",
		Text: "iPhone 15 $900", PlatformMessageID: "wamid.ABC", ContentHash: "hash1",
	}); err != nil {
		t.Fatalf("inserting message: %v", err)
	}

	seen, err := s.FindMessageByPlatformID(ctx, chatID, "wamid.ABC")
	if err != nil {
		t.Fatalf("checking platform id dedupe: %v", err)
	}
	if !seen {
		t.Fatal("expected platform message id to be recognized as seen")
	}

	seenByHash, err := s.FindMessageByContentHashWithin(ctx, chatID, "hash1", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("checking content hash dedupe: %v", err)
	}
	if !seenByHash {
		t.Fatal("expected content hash to be recognized within window")
	}

	notSeenByHash, err := s.FindMessageByContentHashWithin(ctx, chatID, "hash1", "2024-01-03T00:00:00Z")
	if err != nil {
		t.Fatalf("checking content hash dedupe outside window: %v", err)
	}
	if notSeenByHash {
		t.Fatal("expected content hash lookup with a later lower bound to miss")
	}
}

func TestRecentMessagesForChatOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chatID, _ := s.UpsertChat(ctx, newID(), "Electronics Resellers", "group", "", "")

	s.InsertMessage(ctx, WhatsAppMessage{
		ID: newID(), ChatID: chatID, ClientID: newID(), ObservedAt: "2024-01-02T00:05:00Z",
		Text: "second", ContentHash: "h2",
	})
	s.InsertMessage(ctx, WhatsAppMessage{
		ID: newID(), ChatID: chatID, ClientID: newID(), ObservedAt: "2024-01-02T00:00:00Z",
		Text: "first", ContentHash: "h1",
	})

	msgs, err := s.RecentMessagesForChat(ctx, chatID, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("listing recent messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Fatalf("expected chronological order, got %+v", msgs)
	}
}
