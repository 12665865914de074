package store

import (
	"context"
	"database/sql"
	"strings"
)

// The offer ingestion service composes vendor resolution, product
// resolution, offer insert, and history mutation into one transaction
// (spec §4.5). These Tx-suffixed helpers mirror their non-transactional
// counterparts above but operate against an open *sql.Tx so the whole
// sequence commits or rolls back together.

// UpsertVendorTx is the transactional counterpart to UpsertVendor.
func (s *Store) UpsertVendorTx(ctx context.Context, tx *sql.Tx, id, name, contactInfo, metadata string) (string, error) {
	nameLower := strings.ToLower(strings.TrimSpace(name))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vendors (id, name, name_lower, contact_info, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name_lower) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, id, name, nameLower, nullIfEmpty(contactInfo), nullIfEmpty(metadata)); err != nil {
		return "", err
	}

	var existingID string
	row := tx.QueryRowContext(ctx, "SELECT id FROM vendors WHERE name_lower = ?", nameLower)
	if err := row.Scan(&existingID); err != nil {
		return "", err
	}
	return existingID, nil
}

// GetProductByUPCTx is the transactional counterpart to GetProductByUPC.
func (s *Store) GetProductByUPCTx(ctx context.Context, tx *sql.Tx, upc string) (*Product, error) {
	if upc == "" {
		return nil, sql.ErrNoRows
	}
	p := &Product{}
	var brand, model, upcCol, category, spec sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE upc = ?
	`, upc).Scan(&p.ID, &p.CanonicalName, &brand, &model, &upcCol, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brand.String, model.String, upcCol.String, category.String, spec.String
	return p, nil
}

// GetProductByIDTx is the transactional counterpart to GetProduct, used by
// the resolver's fuzzy alias-match path to fetch the matched product's
// canonical name before deciding whether to record a new alias.
func (s *Store) GetProductByIDTx(ctx context.Context, tx *sql.Tx, id string) (*Product, error) {
	p := &Product{}
	var brand, model, upc, category, spec sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE id = ?
	`, id).Scan(&p.ID, &p.CanonicalName, &brand, &model, &upc, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brand.String, model.String, upc.String, category.String, spec.String
	return p, nil
}

// GetProductByBrandModelTx is the transactional counterpart to GetProductByBrandModel.
func (s *Store) GetProductByBrandModelTx(ctx context.Context, tx *sql.Tx, brand, model string) (*Product, error) {
	if brand == "" || model == "" {
		return nil, sql.ErrNoRows
	}
	p := &Product{}
	var brandCol, modelCol, upc, category, spec sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, canonical_name, brand, model_number, upc, category, spec, created_at, updated_at
		FROM products WHERE LOWER(brand) = LOWER(?) AND LOWER(model_number) = LOWER(?)
	`, brand, model).Scan(&p.ID, &p.CanonicalName, &brandCol, &modelCol, &upc, &category, &spec, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Brand, p.ModelNumber, p.UPC, p.Category, p.Spec = brandCol.String, modelCol.String, upc.String, category.String, spec.String
	return p, nil
}

// FindAliasExactTx is the transactional counterpart to FindAliasExact.
func (s *Store) FindAliasExactTx(ctx context.Context, tx *sql.Tx, aliasText, vendorID string) (*ProductAlias, error) {
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
	row := tx.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&a.ID, &a.ProductID, &a.AliasText, &a.SourceVendorID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// SearchAliasesByEmbeddingTx is the transactional counterpart to SearchAliasesByEmbedding.
func (s *Store) SearchAliasesByEmbeddingTx(ctx context.Context, tx *sql.Tx, queryEmbedding []float32, k int) ([]AliasMatch, error) {
	rows, err := tx.QueryContext(ctx, `
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

// InsertProductTx is the transactional counterpart to InsertProduct.
func (s *Store) InsertProductTx(ctx context.Context, tx *sql.Tx, p Product) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (id, canonical_name, brand, model_number, upc, category, spec)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.CanonicalName, nullIfEmpty(p.Brand), nullIfEmpty(p.ModelNumber),
		nullIfEmpty(p.UPC), nullIfEmpty(p.Category), nullIfEmpty(p.Spec))
	return err
}

// InsertAliasTx is the transactional counterpart to InsertAlias.
func (s *Store) InsertAliasTx(ctx context.Context, tx *sql.Tx, id, productID, aliasText, sourceVendorID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO product_aliases (id, product_id, alias_text, alias_text_lower, source_vendor_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, alias_text, source_vendor_id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, id, productID, aliasText, strings.ToLower(strings.TrimSpace(aliasText)), nullIfEmpty(sourceVendorID))
	return err
}

// InsertAliasEmbeddingTx is the transactional counterpart to InsertAliasEmbedding.
func (s *Store) InsertAliasEmbeddingTx(ctx context.Context, tx *sql.Tx, aliasID string, embedding []float32) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_aliases (alias_id, embedding) VALUES (?, ?)",
		aliasID, serializeFloat32(embedding))
	return err
}

// InsertOfferTx is the transactional counterpart to InsertOffer.
func (s *Store) InsertOfferTx(ctx context.Context, tx *sql.Tx, o Offer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO offers (id, product_id, vendor_id, source_document_id, captured_at,
			price, currency, quantity, condition, minimum_order_quantity, location, notes, raw_row)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ProductID, o.VendorID, o.SourceDocumentID, o.CapturedAt,
		o.Price, o.Currency, nullIfZero(o.Quantity), nullIfEmpty(o.Condition),
		nullIfZero(o.MinimumOrderQuantity), nullIfEmpty(o.Location), nullIfEmpty(o.Notes), nullIfEmpty(o.RawRow))
	return err
}

// ListSpansForProductVendorTx is the transactional counterpart to ListSpansForProductVendor.
func (s *Store) ListSpansForProductVendorTx(ctx context.Context, tx *sql.Tx, productID, vendorID string) ([]PriceHistorySpan, error) {
	rows, err := tx.QueryContext(ctx, `
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

// InsertSpanTx is the transactional counterpart to InsertSpan.
func (s *Store) InsertSpanTx(ctx context.Context, tx *sql.Tx, sp PriceHistorySpan) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO price_history_spans (id, product_id, vendor_id, price, currency, valid_from, valid_to, source_offer_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sp.ID, sp.ProductID, sp.VendorID, sp.Price, sp.Currency, sp.ValidFrom, sp.ValidTo, nullIfEmpty(sp.SourceOfferID))
	return err
}

// CloseSpanTx is the transactional counterpart to CloseSpan.
func (s *Store) CloseSpanTx(ctx context.Context, tx *sql.Tx, id, validTo string) error {
	_, err := tx.ExecContext(ctx, "UPDATE price_history_spans SET valid_to = ? WHERE id = ?", validTo, id)
	return err
}

// UpsertChatTx is the transactional counterpart to UpsertChat. It additionally
// reports whether the chat was newly created, for the WhatsApp ingest API's
// created_chats counter (spec §4.8 step 4).
func (s *Store) UpsertChatTx(ctx context.Context, tx *sql.Tx, id, title, chatType, platformJID, vendorID string) (chatID string, created bool, err error) {
	titleLower := strings.ToLower(strings.TrimSpace(title))

	if platformJID != "" {
		var existingID string
		row := tx.QueryRowContext(ctx, "SELECT id FROM whatsapp_chats WHERE platform_jid = ?", platformJID)
		if err := row.Scan(&existingID); err == nil {
			return existingID, false, nil
		} else if err != sql.ErrNoRows {
			return "", false, err
		}
	} else {
		var existingID string
		row := tx.QueryRowContext(ctx, "SELECT id FROM whatsapp_chats WHERE title_lower = ? AND platform_jid IS NULL", titleLower)
		if err := row.Scan(&existingID); err == nil {
			return existingID, false, nil
		} else if err != sql.ErrNoRows {
			return "", false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO whatsapp_chats (id, title, title_lower, chat_type, platform_jid, vendor_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, title, titleLower, chatType, nullIfEmpty(platformJID), nullIfEmpty(vendorID)); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// GetChatTx is the transactional counterpart to GetChat.
func (s *Store) GetChatTx(ctx context.Context, tx *sql.Tx, id string) (*WhatsAppChat, error) {
	c := &WhatsAppChat{}
	var platformJID, vendorID, extra sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, title, chat_type, platform_jid, vendor_id, extra, created_at, updated_at
		FROM whatsapp_chats WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.ChatType, &platformJID, &vendorID, &extra, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PlatformJID, c.VendorID, c.Extra = platformJID.String, vendorID.String, extra.String
	return c, nil
}

// InsertMessageTx is the transactional counterpart to InsertMessage.
func (s *Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, m WhatsAppMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO whatsapp_messages (id, chat_id, client_id, observed_at, sender_name, sender_phone,
			is_outgoing, text, platform_message_id, content_hash, raw_payload, source_document_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, m.ClientID, m.ObservedAt, nullIfEmpty(m.SenderName), nullIfEmpty(m.SenderPhone),
		m.IsOutgoing, m.Text, nullIfEmpty(m.PlatformMessageID), m.ContentHash, nullIfEmpty(m.RawPayload),
		nullIfEmpty(m.SourceDocumentID))
	return err
}

// FindMessageByPlatformIDTx is the transactional counterpart to FindMessageByPlatformID.
func (s *Store) FindMessageByPlatformIDTx(ctx context.Context, tx *sql.Tx, chatID, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM whatsapp_messages WHERE chat_id = ? AND platform_message_id = ?",
		chatID, platformMessageID).Scan(&count)
	return count > 0, err
}

// FindMessageByContentHashWithinTx is the transactional counterpart to
// FindMessageByContentHashWithin.
func (s *Store) FindMessageByContentHashWithinTx(ctx context.Context, tx *sql.Tx, chatID, contentHash, sinceObservedAt string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM whatsapp_messages
		WHERE chat_id = ? AND content_hash = ? AND observed_at >= ?
	`, chatID, contentHash, sinceObservedAt).Scan(&count)
	return count > 0, err
}

// UpdateSpanValidFromTx is the transactional counterpart to UpdateSpanValidFrom.
func (s *Store) UpdateSpanValidFromTx(ctx context.Context, tx *sql.Tx, id, validFrom string) error {
	_, err := tx.ExecContext(ctx, "UPDATE price_history_spans SET valid_from = ? WHERE id = ?", validFrom, id)
	return err
}

// DeleteSpanTx is the transactional counterpart to DeleteSpan.
func (s *Store) DeleteSpanTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM price_history_spans WHERE id = ?", id)
	return err
}
