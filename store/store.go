package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Vendor represents a row in the vendors table.
type Vendor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContactInfo string `json:"contact_info,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Product represents a row in the products table.
type Product struct {
	ID            string `json:"id"`
	CanonicalName string `json:"canonical_name"`
	Brand         string `json:"brand,omitempty"`
	ModelNumber   string `json:"model_number,omitempty"`
	UPC           string `json:"upc,omitempty"`
	Category      string `json:"category,omitempty"`
	Spec          string `json:"spec,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// ProductAlias represents a row in the product_aliases table.
type ProductAlias struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	AliasText      string `json:"alias_text"`
	SourceVendorID string `json:"source_vendor_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// SourceDocument represents a row in the source_documents table.
type SourceDocument struct {
	ID               string  `json:"id"`
	VendorID         string  `json:"vendor_id,omitempty"`
	OriginalFilename string  `json:"original_filename"`
	DeclaredFileType string  `json:"declared_file_type"`
	StorageURI       string  `json:"storage_uri"`
	IngestStartedAt  string  `json:"ingest_started_at"`
	IngestEndedAt    *string `json:"ingest_ended_at,omitempty"`
	Status           string  `json:"status"`
	Metadata         string  `json:"metadata,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// Offer represents a single vendor-reported price observation.
type Offer struct {
	ID                   string  `json:"id"`
	ProductID            string  `json:"product_id"`
	VendorID             string  `json:"vendor_id"`
	SourceDocumentID     string  `json:"source_document_id"`
	CapturedAt           string  `json:"captured_at"`
	Price                float64 `json:"price"`
	Currency             string  `json:"currency"`
	Quantity             int     `json:"quantity,omitempty"`
	Condition            string  `json:"condition,omitempty"`
	MinimumOrderQuantity int     `json:"minimum_order_quantity,omitempty"`
	Location             string  `json:"location,omitempty"`
	Notes                string  `json:"notes,omitempty"`
	RawRow               string  `json:"raw_row,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// PriceHistorySpan represents one interval of a product/vendor price timeline.
type PriceHistorySpan struct {
	ID            string  `json:"id"`
	ProductID     string  `json:"product_id"`
	VendorID      string  `json:"vendor_id"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	ValidFrom     string  `json:"valid_from"`
	ValidTo       *string `json:"valid_to,omitempty"`
	SourceOfferID string  `json:"source_offer_id,omitempty"`
}

// IngestionJob represents a row in the ingestion_jobs table.
type IngestionJob struct {
	ID               string `json:"id"`
	SourceDocumentID string `json:"source_document_id"`
	ProcessorName    string `json:"processor_name,omitempty"`
	Status           string `json:"status"`
	Logs             string `json:"logs,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// WhatsAppChat represents a row in the whatsapp_chats table.
type WhatsAppChat struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ChatType    string `json:"chat_type"`
	PlatformJID string `json:"platform_jid,omitempty"`
	VendorID    string `json:"vendor_id,omitempty"`
	Extra       string `json:"extra,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// WhatsAppMessage represents a row in the whatsapp_messages table.
type WhatsAppMessage struct {
	ID                 string `json:"id"`
	ChatID              string `json:"chat_id"`
	ClientID            string `json:"client_id"`
	ObservedAt          string `json:"observed_at"`
	SenderName          string `json:"sender_name,omitempty"`
	SenderPhone         string `json:"sender_phone,omitempty"`
	IsOutgoing          bool   `json:"is_outgoing"`
	Text                string `json:"text"`
	PlatformMessageID   string `json:"platform_message_id,omitempty"`
	ContentHash         string `json:"content_hash"`
	RawPayload          string `json:"raw_payload,omitempty"`
	SourceDocumentID    string `json:"source_document_id,omitempty"`
	CreatedAt           string `json:"created_at"`
}

// AliasMatch holds an alias row with its vector similarity score.
type AliasMatch struct {
	AliasID   string  `json:"alias_id"`
	ProductID string  `json:"product_id"`
	AliasText string  `json:"alias_text"`
	Score     float64 `json:"score"`
}

// Store wraps the SQLite database for all pricebot persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table used for
// alias similarity search.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Vendor operations ---

// UpsertVendor inserts a vendor, or returns the existing row's ID when one
// already exists with a case-insensitive matching name (spec §4.5.1).
func (s *Store) UpsertVendor(ctx context.Context, id, name, contactInfo, metadata string) (string, error) {
	nameLower := strings.ToLower(strings.TrimSpace(name))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, name_lower, contact_info, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name_lower) DO UPDATE SET
			updated_at = CURRENT_TIMESTAMP
	`, id, name, nameLower, nullIfEmpty(contactInfo), nullIfEmpty(metadata))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Nothing changed at all (shouldn't happen given the no-op update), fall through.
	}

	var existingID string
	row := s.db.QueryRowContext(ctx, "SELECT id FROM vendors WHERE name_lower = ?", nameLower)
	if err := row.Scan(&existingID); err != nil {
		return "", err
	}
	return existingID, nil
}

// GetVendorByName looks up a vendor by case-insensitive name match.
func (s *Store) GetVendorByName(ctx context.Context, name string) (*Vendor, error) {
	v := &Vendor{}
	var contactInfo, metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, contact_info, metadata, created_at, updated_at
		FROM vendors WHERE name_lower = ?
	`, strings.ToLower(strings.TrimSpace(name))).Scan(
		&v.ID, &v.Name, &contactInfo, &metadata, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.ContactInfo = contactInfo.String
	v.Metadata = metadata.String
	return v, nil
}

// GetVendor looks up a vendor by ID.
func (s *Store) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	v := &Vendor{}
	var contactInfo, metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, contact_info, metadata, created_at, updated_at
		FROM vendors WHERE id = ?
	`, id).Scan(&v.ID, &v.Name, &contactInfo, &metadata, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.ContactInfo = contactInfo.String
	v.Metadata = metadata.String
	return v, nil
}

// ListVendors returns all vendors ordered by name.
func (s *Store) ListVendors(ctx context.Context) ([]Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact_info, metadata, created_at, updated_at
		FROM vendors ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []Vendor
	for rows.Next() {
		var v Vendor
		var contactInfo, metadata sql.NullString
		if err := rows.Scan(&v.ID, &v.Name, &contactInfo, &metadata, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.ContactInfo = contactInfo.String
		v.Metadata = metadata.String
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

// --- Product operations ---

// InsertProduct creates a new product row.
func (s *Store) InsertProduct(ctx context.Context, p Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, canonical_name, brand, model_number, upc, category, spec)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.CanonicalName, nullIfEmpty(p.Brand), nullIfEmpty(p.ModelNumber),
		nullIfEmpty(p.UPC), nullIfEmpty(p.Category), nullIfEmpty(p.Spec))
	return err
}

// GetProduct looks up a product by ID.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	p := &Product{}
	var brand, model, upc, category, spec sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE id = ?
	`, id).Scan(&p.ID, &p.CanonicalName, &brand, &model, &upc, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brand.String, model.String, upc.String, category.String, spec.String
	return p, nil
}

// GetProductByUPC looks up a product by its exact UPC.
func (s *Store) GetProductByUPC(ctx context.Context, upc string) (*Product, error) {
	if upc == "" {
		return nil, sql.ErrNoRows
	}
	p := &Product{}
	var brand, model, upcCol, category, spec sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE upc = ?
	`, upc).Scan(&p.ID, &p.CanonicalName, &brand, &model, &upcCol, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brand.String, model.String, upcCol.String, category.String, spec.String
	return p, nil
}

// GetProductByBrandModel looks up a product by case-insensitive brand+model
// equality (spec §4.5.2b).
func (s *Store) GetProductByBrandModel(ctx context.Context, brand, model string) (*Product, error) {
	if brand == "" || model == "" {
		return nil, sql.ErrNoRows
	}
	p := &Product{}
	var brandCol, modelCol, upc, category, spec sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE LOWER(brand) = LOWER(?) AND LOWER(model_number) = LOWER(?)
	`, brand, model).Scan(&p.ID, &p.CanonicalName, &brandCol, &modelCol, &upc, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brandCol.String, modelCol.String, upc.String, category.String, spec.String
	return p, nil
}

// ListProducts returns products matching a case-insensitive substring of
// canonical_name, brand, model_number, upc, or any of the product's alias
// texts (used by resolve_products, spec §4.9.1).
func (s *Store) ListProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products
		WHERE canonical_name LIKE ? COLLATE NOCASE
		   OR brand LIKE ? COLLATE NOCASE
		   OR model_number LIKE ? COLLATE NOCASE
		   OR upc LIKE ? COLLATE NOCASE
		   OR id IN (SELECT product_id FROM product_aliases WHERE alias_text LIKE ? COLLATE NOCASE)
		ORDER BY canonical_name
		LIMIT ?
	`, like, like, like, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		var brand, model, upc, category, spec sql.NullString
		if err := rows.Scan(&p.ID, &p.CanonicalName, &brand, &model, &upc, &category, &spec, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brand.String, model.String, upc.String, category.String, spec.String
		products = append(products, p)
	}
	return products, rows.Err()
}

// --- Product alias operations ---

// InsertAlias records a new alias for a product, scoped to the vendor that
// contributed it (spec §4.5.2c). sourceVendorID may be empty for a
// vendor-agnostic alias.
func (s *Store) InsertAlias(ctx context.Context, id, productID, aliasText, sourceVendorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_aliases (id, product_id, alias_text, alias_text_lower, source_vendor_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, alias_text, source_vendor_id) DO UPDATE SET
			updated_at = CURRENT_TIMESTAMP
	`, id, productID, aliasText, strings.ToLower(strings.TrimSpace(aliasText)), nullIfEmpty(sourceVendorID))
	return err
}

// FindAliasExact looks up an alias by exact case-insensitive text, optionally
// scoped to a vendor. Vendor-scoped lookups are preferred by callers before
// falling back to a global (unscoped) lookup (spec §4.5.2c tie-break).
func (s *Store) FindAliasExact(ctx context.Context, aliasText, vendorID string) (*ProductAlias, error) {
	lower := strings.ToLower(strings.TrimSpace(aliasText))
	var query string
	var args []interface{}
	if vendorID != "" {
		query = `
			SELECT id, product_id, alias_text, COALESCE(source_vendor_id, ''), created_at, updated_at
			FROM product_aliases
			WHERE alias_text_lower = ? AND source_vendor_id = ?
			ORDER BY updated_at DESC LIMIT 1`
		args = []interface{}{lower, vendorID}
	} else {
		query = `
			SELECT id, product_id, alias_text, COALESCE(source_vendor_id, ''), created_at, updated_at
			FROM product_aliases
			WHERE alias_text_lower = ?
			ORDER BY updated_at DESC LIMIT 1`
		args = []interface{}{lower}
	}

	a := &ProductAlias{}
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&a.ID, &a.ProductID, &a.AliasText, &a.SourceVendorID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// InsertAliasEmbedding stores the alias embedding in the vec0 virtual table
// used for fuzzy alias matching (spec §4.5.2d).
func (s *Store) InsertAliasEmbedding(ctx context.Context, aliasID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_aliases (alias_id, embedding) VALUES (?, ?)",
		aliasID, serializeFloat32(embedding))
	return err
}

// SearchAliasesByEmbedding returns the top-k nearest aliases by cosine
// distance along with the owning product ID (spec §4.5.2d: K capped at 50,
// similarity threshold 0.86 applied by the caller).
func (s *Store) SearchAliasesByEmbedding(ctx context.Context, queryEmbedding []float32, k int) ([]AliasMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.alias_id, v.distance, a.product_id, a.alias_text
		FROM vec_aliases v
		JOIN product_aliases a ON a.id = v.alias_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []AliasMatch
	for rows.Next() {
		var m AliasMatch
		var distance float64
		if err := rows.Scan(&m.AliasID, &distance, &m.ProductID, &m.AliasText); err != nil {
			return nil, err
		}
		m.Score = 1.0 - distance
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Source document operations ---

// InsertSourceDocument creates a new source_documents row.
func (s *Store) InsertSourceDocument(ctx context.Context, d SourceDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, vendor_id, original_filename, declared_file_type,
			storage_uri, ingest_started_at, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, nullIfEmpty(d.VendorID), d.OriginalFilename, d.DeclaredFileType,
		d.StorageURI, d.IngestStartedAt, d.Status, nullIfEmpty(d.Metadata))
	return err
}

// GetSourceDocument looks up a source document by ID.
func (s *Store) GetSourceDocument(ctx context.Context, id string) (*SourceDocument, error) {
	d := &SourceDocument{}
	var vendorID, metadata sql.NullString
	var ingestEndedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, vendor_id, original_filename, declared_file_type, storage_uri,
			ingest_started_at, ingest_ended_at, status, metadata, created_at, updated_at
		FROM source_documents WHERE id = ?
	`, id).Scan(&d.ID, &vendorID, &d.OriginalFilename, &d.DeclaredFileType, &d.StorageURI,
		&d.IngestStartedAt, &ingestEndedAt, &d.Status, &metadata, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.VendorID = vendorID.String
	d.Metadata = metadata.String
	if ingestEndedAt.Valid {
		d.IngestEndedAt = &ingestEndedAt.String
	}
	return d, nil
}

// ListSourceDocuments returns all source documents ordered by creation time.
func (s *Store) ListSourceDocuments(ctx context.Context) ([]SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vendor_id, original_filename, declared_file_type, storage_uri,
			ingest_started_at, ingest_ended_at, status, metadata, created_at, updated_at
		FROM source_documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []SourceDocument
	for rows.Next() {
		var d SourceDocument
		var vendorID, metadata sql.NullString
		var ingestEndedAt sql.NullString
		if err := rows.Scan(&d.ID, &vendorID, &d.OriginalFilename, &d.DeclaredFileType, &d.StorageURI,
			&d.IngestStartedAt, &ingestEndedAt, &d.Status, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.VendorID = vendorID.String
		d.Metadata = metadata.String
		if ingestEndedAt.Valid {
			d.IngestEndedAt = &ingestEndedAt.String
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateSourceDocumentStatus updates a source document's status, and its
// ingest_ended_at timestamp when moving to a terminal state.
func (s *Store) UpdateSourceDocumentStatus(ctx context.Context, id, status string, endedAt string) error {
	if endedAt != "" {
		_, err := s.db.ExecContext(ctx,
			"UPDATE source_documents SET status = ?, ingest_ended_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			status, endedAt, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE source_documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// DeleteSourceDocument removes a source document and cascades to its offers
// and ingestion jobs.
func (s *Store) DeleteSourceDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM offers WHERE source_document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM ingestion_jobs WHERE source_document_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM source_documents WHERE id = ?", id)
		return err
	})
}

// --- Offer operations ---

// InsertOffer records a single price observation.
func (s *Store) InsertOffer(ctx context.Context, o Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, product_id, vendor_id, source_document_id, captured_at,
			price, currency, quantity, condition, minimum_order_quantity, location, notes, raw_row)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ProductID, o.VendorID, o.SourceDocumentID, o.CapturedAt,
		o.Price, o.Currency, nullIfZero(o.Quantity), nullIfEmpty(o.Condition),
		nullIfZero(o.MinimumOrderQuantity), nullIfEmpty(o.Location), nullIfEmpty(o.Notes), nullIfEmpty(o.RawRow))
	return err
}

// LatestOfferForProductVendor returns the most recently captured offer for a
// product/vendor pair, used to detect whether a new observation changes the
// price (spec §4.6).
func (s *Store) LatestOfferForProductVendor(ctx context.Context, productID, vendorID string) (*Offer, error) {
	o := &Offer{}
	var quantity, moq sql.NullInt64
	var condition, location, notes, rawRow sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, vendor_id, source_document_id, captured_at, price, currency,
			quantity, condition, minimum_order_quantity, location, notes, raw_row, created_at
		FROM offers
		WHERE product_id = ? AND vendor_id = ?
		ORDER BY captured_at DESC, created_at DESC LIMIT 1
	`, productID, vendorID).Scan(&o.ID, &o.ProductID, &o.VendorID, &o.SourceDocumentID, &o.CapturedAt,
		&o.Price, &o.Currency, &quantity, &condition, &moq, &location, &notes, &rawRow, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Quantity, o.MinimumOrderQuantity = int(quantity.Int64), int(moq.Int64)
	o.Condition, o.Location, o.Notes, o.RawRow = condition.String, location.String, notes.String, rawRow.String
	return o, nil
}

// OfferFilter bounds a ListOffers query. Zero values are "no filter" except
// Limit, which defaults to 50.
type OfferFilter struct {
	VendorID  string
	ProductID string
	Since     string // RFC3339; offers captured at or after this instant
	Limit     int
}

// ListOffers returns offers matching filter, most recently captured first
// (used by GET /offers, spec §6).
func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]Offer, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, product_id, vendor_id, source_document_id, captured_at, price, currency,
			quantity, condition, minimum_order_quantity, location, notes, raw_row, created_at
		FROM offers WHERE 1=1`
	var args []interface{}
	if filter.VendorID != "" {
		query += " AND vendor_id = ?"
		args = append(args, filter.VendorID)
	}
	if filter.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, filter.ProductID)
	}
	if filter.Since != "" {
		query += " AND captured_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY captured_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []Offer
	for rows.Next() {
		var o Offer
		var quantity, moq sql.NullInt64
		var condition, location, notes, rawRow sql.NullString
		if err := rows.Scan(&o.ID, &o.ProductID, &o.VendorID, &o.SourceDocumentID, &o.CapturedAt,
			&o.Price, &o.Currency, &quantity, &condition, &moq, &location, &notes, &rawRow, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Quantity, o.MinimumOrderQuantity = int(quantity.Int64), int(moq.Int64)
		o.Condition, o.Location, o.Notes, o.RawRow = condition.String, location.String, notes.String, rawRow.String
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// CountOffersForSourceDocument returns how many offers were created from a
// given source document, for the job-status summary (spec §4.7).
func (s *Store) CountOffersForSourceDocument(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offers WHERE source_document_id = ?", docID).Scan(&n)
	return n, err
}

// BestOfferRow pairs an offer with its vendor name for search_best_price results.
type BestOfferRow struct {
	Offer
	VendorName string `json:"vendor_name"`
}

// SearchBestPrice returns active offers for a product ordered by ascending
// price (spec §4.9.2). "Active" means the offer's price_history_spans row
// has a NULL valid_to.
func (s *Store) SearchBestPrice(ctx context.Context, productID string, limit int) ([]BestOfferRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.product_id, o.vendor_id, o.source_document_id, o.captured_at, o.price,
			o.currency, o.quantity, o.condition, o.minimum_order_quantity, o.location, o.notes,
			o.raw_row, o.created_at, v.name
		FROM offers o
		JOIN vendors v ON v.id = o.vendor_id
		JOIN price_history_spans s ON s.source_offer_id = o.id
		WHERE o.product_id = ? AND s.valid_to IS NULL
		ORDER BY o.price ASC
		LIMIT ?
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BestOfferRow
	for rows.Next() {
		var r BestOfferRow
		var quantity, moq sql.NullInt64
		var condition, location, notes, rawRow sql.NullString
		if err := rows.Scan(&r.ID, &r.ProductID, &r.VendorID, &r.SourceDocumentID, &r.CapturedAt,
			&r.Price, &r.Currency, &quantity, &condition, &moq, &location, &notes, &rawRow,
			&r.CreatedAt, &r.VendorName); err != nil {
			return nil, err
		}
		r.Quantity, r.MinimumOrderQuantity = int(quantity.Int64), int(moq.Int64)
		r.Condition, r.Location, r.Notes, r.RawRow = condition.String, location.String, notes.String, rawRow.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Price history span operations ---

// InsertSpan creates a new price_history_spans row.
func (s *Store) InsertSpan(ctx context.Context, sp PriceHistorySpan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history_spans (id, product_id, vendor_id, price, currency, valid_from, valid_to, source_offer_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sp.ID, sp.ProductID, sp.VendorID, sp.Price, sp.Currency, sp.ValidFrom, sp.ValidTo, nullIfEmpty(sp.SourceOfferID))
	return err
}

// CloseSpan sets a span's valid_to, ending its validity.
func (s *Store) CloseSpan(ctx context.Context, id, validTo string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE price_history_spans SET valid_to = ? WHERE id = ?", validTo, id)
	return err
}

// UpdateSpanValidFrom adjusts a span's start boundary (used when an
// out-of-order observation splits an existing span, spec §4.6).
func (s *Store) UpdateSpanValidFrom(ctx context.Context, id, validFrom string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE price_history_spans SET valid_from = ? WHERE id = ?", validFrom, id)
	return err
}

// DeleteSpan removes a span outright (used when a span is fully subsumed by
// a merge, spec §4.6).
func (s *Store) DeleteSpan(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM price_history_spans WHERE id = ?", id)
	return err
}

// ListSpansForProductVendor returns every span for a product/vendor pair in
// chronological order.
func (s *Store) ListSpansForProductVendor(ctx context.Context, productID, vendorID string) ([]PriceHistorySpan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, vendor_id, price, currency, valid_from, valid_to, COALESCE(source_offer_id, '')
		FROM price_history_spans
		WHERE product_id = ? AND vendor_id = ?
		ORDER BY valid_from ASC
	`, productID, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSpans(rows)
}

// ListSpansForProduct returns every span across all vendors for a product,
// ordered chronologically (spec §4.9.3, product_id query parameter).
func (s *Store) ListSpansForProduct(ctx context.Context, productID string) ([]PriceHistorySpan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, vendor_id, price, currency, valid_from, valid_to, COALESCE(source_offer_id, '')
		FROM price_history_spans
		WHERE product_id = ?
		ORDER BY valid_from ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSpans(rows)
}

// ListSpansForVendor returns every span across all products for a vendor,
// ordered chronologically (spec §4.9.3, vendor_id query parameter).
func (s *Store) ListSpansForVendor(ctx context.Context, vendorID string) ([]PriceHistorySpan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, vendor_id, price, currency, valid_from, valid_to, COALESCE(source_offer_id, '')
		FROM price_history_spans
		WHERE vendor_id = ?
		ORDER BY valid_from ASC
	`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSpans(rows)
}

func scanSpans(rows *sql.Rows) ([]PriceHistorySpan, error) {
	var spans []PriceHistorySpan
	for rows.Next() {
		var sp PriceHistorySpan
		var validTo sql.NullString
		if err := rows.Scan(&sp.ID, &sp.ProductID, &sp.VendorID, &sp.Price, &sp.Currency,
			&sp.ValidFrom, &validTo, &sp.SourceOfferID); err != nil {
			return nil, err
		}
		if validTo.Valid {
			sp.ValidTo = &validTo.String
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// --- Ingestion job operations ---

// InsertIngestionJob creates a queued job row.
func (s *Store) InsertIngestionJob(ctx context.Context, j IngestionJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, source_document_id, processor_name, status, logs)
		VALUES (?, ?, ?, ?, ?)
	`, j.ID, j.SourceDocumentID, nullIfEmpty(j.ProcessorName), j.Status, nullIfEmpty(j.Logs))
	return err
}

// GetIngestionJob looks up a job by ID.
func (s *Store) GetIngestionJob(ctx context.Context, id string) (*IngestionJob, error) {
	j := &IngestionJob{}
	var processorName, logs sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_document_id, processor_name, status, logs, created_at, updated_at
		FROM ingestion_jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.SourceDocumentID, &processorName, &j.Status, &logs, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ProcessorName, j.Logs = processorName.String, logs.String
	return j, nil
}

// UpdateIngestionJobStatus updates a job's status and logs.
func (s *Store) UpdateIngestionJobStatus(ctx context.Context, id, status, logs string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ingestion_jobs SET status = ?, logs = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, nullIfEmpty(logs), id)
	return err
}

// ListJobsByStatus returns all jobs in the given status, oldest first. Used
// at startup to reconcile jobs left "running" by a crashed process
// (spec §4.12).
func (s *Store) ListJobsByStatus(ctx context.Context, status string) ([]IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_document_id, processor_name, status, logs, created_at, updated_at
		FROM ingestion_jobs WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []IngestionJob
	for rows.Next() {
		var j IngestionJob
		var processorName, logs sql.NullString
		if err := rows.Scan(&j.ID, &j.SourceDocumentID, &processorName, &j.Status, &logs, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.ProcessorName, j.Logs = processorName.String, logs.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- WhatsApp operations ---

// UpsertChat inserts a chat, or returns the existing row's ID when one
// already exists with a matching platform JID (preferred) or case-insensitive
// title (fallback for chats without a stable platform identifier).
func (s *Store) UpsertChat(ctx context.Context, id, title, chatType, platformJID, vendorID string) (string, error) {
	titleLower := strings.ToLower(strings.TrimSpace(title))

	if platformJID != "" {
		var existingID string
		row := s.db.QueryRowContext(ctx, "SELECT id FROM whatsapp_chats WHERE platform_jid = ?", platformJID)
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		} else if err != sql.ErrNoRows {
			return "", err
		}
	} else {
		var existingID string
		row := s.db.QueryRowContext(ctx, "SELECT id FROM whatsapp_chats WHERE title_lower = ? AND platform_jid IS NULL", titleLower)
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		} else if err != sql.ErrNoRows {
			return "", err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_chats (id, title, title_lower, chat_type, platform_jid, vendor_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, title, titleLower, chatType, nullIfEmpty(platformJID), nullIfEmpty(vendorID))
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetChat looks up a chat by ID.
func (s *Store) GetChat(ctx context.Context, id string) (*WhatsAppChat, error) {
	c := &WhatsAppChat{}
	var platformJID, vendorID, extra sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, chat_type, platform_jid, vendor_id, extra, created_at, updated_at
		FROM whatsapp_chats WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.ChatType, &platformJID, &vendorID, &extra, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PlatformJID, c.VendorID, c.Extra = platformJID.String, vendorID.String, extra.String
	return c, nil
}

// InsertMessage records a WhatsApp message. It is a plain insert with no
// dedupe of its own (whatsapp_messages has no unique key beyond id);
// callers dedupe first with FindMessageByPlatformID and
// FindMessageByContentHashWithin (spec §4.4.1).
func (s *Store) InsertMessage(ctx context.Context, m WhatsAppMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whatsapp_messages (id, chat_id, client_id, observed_at, sender_name, sender_phone,
			is_outgoing, text, platform_message_id, content_hash, raw_payload, source_document_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, m.ClientID, m.ObservedAt, nullIfEmpty(m.SenderName), nullIfEmpty(m.SenderPhone),
		m.IsOutgoing, m.Text, nullIfEmpty(m.PlatformMessageID), m.ContentHash, nullIfEmpty(m.RawPayload),
		nullIfEmpty(m.SourceDocumentID))
	return err
}

// FindMessageByPlatformID checks whether a message with this chat+platform
// message ID already exists (spec §4.4.1 primary dedupe key).
func (s *Store) FindMessageByPlatformID(ctx context.Context, chatID, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM whatsapp_messages WHERE chat_id = ? AND platform_message_id = ?",
		chatID, platformMessageID).Scan(&count)
	return count > 0, err
}

// FindMessageByContentHashWithin checks whether an identical content hash
// was observed for this chat at or after sinceObservedAt, an RFC3339 lower
// bound the caller computes (spec §4.4.1 fallback dedupe key for messages
// without a stable platform ID).
func (s *Store) FindMessageByContentHashWithin(ctx context.Context, chatID, contentHash, sinceObservedAt string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM whatsapp_messages
		WHERE chat_id = ? AND content_hash = ? AND observed_at >= ?
	`, chatID, contentHash, sinceObservedAt).Scan(&count)
	return count > 0, err
}

// RecentMessagesForChat returns messages for a chat observed since the given
// RFC3339 timestamp, oldest first, used to assemble the window of text fed
// to the debounced extraction pass (spec §4.4.2).
func (s *Store) RecentMessagesForChat(ctx context.Context, chatID, sinceObservedAt string) ([]WhatsAppMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, client_id, observed_at, sender_name, sender_phone, is_outgoing, text,
			platform_message_id, content_hash, raw_payload, source_document_id, created_at
		FROM whatsapp_messages
		WHERE chat_id = ? AND observed_at >= ?
		ORDER BY observed_at ASC
	`, chatID, sinceObservedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []WhatsAppMessage
	for rows.Next() {
		var m WhatsAppMessage
		var senderName, senderPhone, platformMessageID, rawPayload, sourceDocumentID sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ClientID, &m.ObservedAt, &senderName, &senderPhone,
			&m.IsOutgoing, &m.Text, &platformMessageID, &m.ContentHash, &rawPayload, &sourceDocumentID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderName, m.SenderPhone = senderName.String, senderPhone.String
		m.PlatformMessageID, m.RawPayload, m.SourceDocumentID = platformMessageID.String, rawPayload.String, sourceDocumentID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WithTx exposes inTx to callers outside the package (e.g. the ingestion
// pipeline, which needs vendor resolution + product resolution + offer
// insert + history update to commit or roll back together, spec §4.5).
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.inTx(ctx, fn)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
