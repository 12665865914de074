package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension used for alias-embedding similarity search
// (spec §4.5.2d, §4.9).
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS vendors (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_lower TEXT NOT NULL UNIQUE,
    contact_info JSON,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    canonical_name TEXT NOT NULL,
    brand TEXT,
    model_number TEXT,
    upc TEXT UNIQUE,
    category TEXT,
    spec JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS product_aliases (
    id TEXT PRIMARY KEY,
    product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    alias_text TEXT NOT NULL,
    alias_text_lower TEXT NOT NULL,
    source_vendor_id TEXT REFERENCES vendors(id),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(product_id, alias_text, source_vendor_id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_aliases USING vec0(
    alias_id TEXT PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE TABLE IF NOT EXISTS source_documents (
    id TEXT PRIMARY KEY,
    vendor_id TEXT REFERENCES vendors(id),
    original_filename TEXT NOT NULL,
    declared_file_type TEXT NOT NULL,
    storage_uri TEXT NOT NULL,
    ingest_started_at DATETIME NOT NULL,
    ingest_ended_at DATETIME,
    status TEXT NOT NULL DEFAULT 'pending',
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS offers (
    id TEXT PRIMARY KEY,
    product_id TEXT NOT NULL REFERENCES products(id),
    vendor_id TEXT NOT NULL REFERENCES vendors(id),
    source_document_id TEXT NOT NULL REFERENCES source_documents(id) ON DELETE CASCADE,
    captured_at DATETIME NOT NULL,
    price REAL NOT NULL CHECK (price > 0),
    currency TEXT NOT NULL,
    quantity INTEGER,
    condition TEXT,
    minimum_order_quantity INTEGER,
    location TEXT,
    notes TEXT,
    raw_row JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS price_history_spans (
    id TEXT PRIMARY KEY,
    product_id TEXT NOT NULL REFERENCES products(id),
    vendor_id TEXT NOT NULL REFERENCES vendors(id),
    price REAL NOT NULL,
    currency TEXT NOT NULL,
    valid_from DATETIME NOT NULL,
    valid_to DATETIME,
    source_offer_id TEXT REFERENCES offers(id)
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
    id TEXT PRIMARY KEY,
    source_document_id TEXT NOT NULL REFERENCES source_documents(id) ON DELETE CASCADE,
    processor_name TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    logs JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS whatsapp_chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    title_lower TEXT NOT NULL,
    chat_type TEXT NOT NULL DEFAULT 'unknown',
    platform_jid TEXT UNIQUE,
    vendor_id TEXT REFERENCES vendors(id),
    extra JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS whatsapp_messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL REFERENCES whatsapp_chats(id) ON DELETE CASCADE,
    client_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    sender_name TEXT,
    sender_phone TEXT,
    is_outgoing BOOLEAN NOT NULL DEFAULT 0,
    text TEXT NOT NULL,
    platform_message_id TEXT,
    content_hash TEXT NOT NULL,
    raw_payload JSON,
    source_document_id TEXT REFERENCES source_documents(id),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_products_brand_model ON products(brand, model_number);
CREATE INDEX IF NOT EXISTS idx_product_aliases_product ON product_aliases(product_id);
CREATE INDEX IF NOT EXISTS idx_product_aliases_vendor ON product_aliases(source_vendor_id);
CREATE INDEX IF NOT EXISTS idx_product_aliases_text ON product_aliases(alias_text_lower);
CREATE INDEX IF NOT EXISTS idx_source_documents_vendor ON source_documents(vendor_id);
CREATE INDEX IF NOT EXISTS idx_source_documents_status ON source_documents(status);
CREATE INDEX IF NOT EXISTS idx_offers_product_vendor ON offers(product_id, vendor_id);
CREATE INDEX IF NOT EXISTS idx_offers_document ON offers(source_document_id);
CREATE INDEX IF NOT EXISTS idx_offers_captured_at ON offers(captured_at);
CREATE INDEX IF NOT EXISTS idx_spans_product_vendor ON price_history_spans(product_id, vendor_id, valid_from);
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_status ON ingestion_jobs(status);
CREATE INDEX IF NOT EXISTS idx_whatsapp_chats_platform ON whatsapp_chats(platform_jid);
CREATE INDEX IF NOT EXISTS idx_whatsapp_messages_chat ON whatsapp_messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_whatsapp_messages_msgid ON whatsapp_messages(chat_id, platform_message_id);
CREATE INDEX IF NOT EXISTS idx_whatsapp_messages_hash ON whatsapp_messages(chat_id, content_hash);
`, embeddingDim)
}
