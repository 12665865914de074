package pricebot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sanitizeFilenameRe-equivalent: replace any byte outside [A-Za-z0-9._-]
// with '_' and cap the result to 120 bytes (spec §6's storage layout rule).
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 120 {
		out = out[:120]
	}
	if out == "" {
		out = "upload"
	}
	return out
}

// StoreUpload writes an uploaded artefact under
// ingestion_storage_dir/<yyyy>/<mm>/<uuid>-<sanitized_filename> and
// returns the absolute path (spec §6's persisted-state layout rule).
func (e *Engine) StoreUpload(originalFilename string, r io.Reader) (storageURI string, err error) {
	now := time.Now().UTC()
	dir := filepath.Join(e.cfg.IngestionStorageDir, now.Format("2006"), now.Format("01"))
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("preparing storage directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s", uuid.NewString(), sanitizeFilename(originalFilename))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating storage file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing storage file: %w", err)
	}
	return path, nil
}
