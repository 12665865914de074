package pricebot

import "time"

// Config holds all configuration for the Pricebot engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	DBPath string `json:"db_path" yaml:"db_path"`

	// IngestionStorageDir is the absolute directory uploaded artefacts are
	// written under, as <yyyy>/<mm>/<uuid>-<sanitized_filename>.
	IngestionStorageDir string `json:"ingestion_storage_dir" yaml:"ingestion_storage_dir"`

	// DefaultCurrency is the fallback ISO-4217 code used when a row carries
	// no currency hint.
	DefaultCurrency string `json:"default_currency" yaml:"default_currency"`

	// Environment controls environment-gated behavior, e.g. disabling admin
	// basic auth in "local".
	Environment string `json:"environment" yaml:"environment"`

	// EmbeddingDim is the dimension of the alias-embedding vec0 table.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// EnableLLMExtraction turns on the LLM fallback in the spreadsheet and
	// document processors (spec §4.2 step 5, §4.3 step 2).
	EnableLLMExtraction bool `json:"enable_llm_extraction" yaml:"enable_llm_extraction"`

	// LLM configures the row-extraction and alias-embedding provider.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Vision configures the OCR fallback provider for scanned PDFs/images.
	Vision LLMConfig `json:"vision" yaml:"vision"`

	// AliasMatchThreshold is the minimum cosine similarity for a fuzzy alias
	// match to count as a hit (spec §4.5.2d, §9 open question: tuned here).
	AliasMatchThreshold float64 `json:"alias_match_threshold" yaml:"alias_match_threshold"`

	// AliasMatchCandidates bounds the KNN candidate set for fuzzy alias
	// matching (spec §4.5.2d, K=50 default).
	AliasMatchCandidates int `json:"alias_match_candidates" yaml:"alias_match_candidates"`

	// JobWorkers is the background runner's worker pool size (spec §4.7,
	// default CPU count; 0 means "use runtime.NumCPU()").
	JobWorkers int `json:"job_workers" yaml:"job_workers"`

	// JobQueueSize bounds the runner's FIFO queue.
	JobQueueSize int `json:"job_queue_size" yaml:"job_queue_size"`

	// JobShutdownGrace bounds how long in-flight jobs are given to finish on
	// shutdown before the runner aborts (spec §5, default 30s).
	JobShutdownGrace time.Duration `json:"job_shutdown_grace" yaml:"job_shutdown_grace"`

	// WhatsApp ingest API settings (spec §4.8).
	WhatsAppIngestToken          string        `json:"whatsapp_ingest_token" yaml:"whatsapp_ingest_token"`
	WhatsAppIngestHMACSecret     string        `json:"whatsapp_ingest_hmac_secret" yaml:"whatsapp_ingest_hmac_secret"`
	WhatsAppIngestSignatureTTL   time.Duration `json:"whatsapp_ingest_signature_ttl_seconds" yaml:"whatsapp_ingest_signature_ttl_seconds"`
	WhatsAppRateLimitPerMinute   int           `json:"whatsapp_ingest_rate_limit_per_minute" yaml:"whatsapp_ingest_rate_limit_per_minute"`
	WhatsAppRateLimitBurst       int           `json:"whatsapp_ingest_rate_limit_burst" yaml:"whatsapp_ingest_rate_limit_burst"`
	WhatsAppContentHashWindow    time.Duration `json:"whatsapp_content_hash_window_hours" yaml:"whatsapp_content_hash_window_hours"`
	WhatsAppExtractDebounce      time.Duration `json:"whatsapp_extract_debounce_seconds" yaml:"whatsapp_extract_debounce_seconds"`

	// AdminUsername/AdminPassword enable HTTP basic auth over /admin/* and
	// the manual job-retry route when both are set (spec §4.12); disabled
	// when Environment == "local".
	AdminUsername string `json:"admin_username" yaml:"admin_username"`
	AdminPassword string `json:"admin_password" yaml:"admin_password"`
}

// LLMConfig configures a single LLM provider endpoint, mirroring llm.Config.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local operation.
func DefaultConfig() Config {
	return Config{
		DBPath:                     "pricebot.db",
		IngestionStorageDir:        "./storage",
		DefaultCurrency:            "USD",
		Environment:                "local",
		EmbeddingDim:               768,
		EnableLLMExtraction:        false,
		AliasMatchThreshold:        0.86,
		AliasMatchCandidates:       50,
		JobWorkers:                 0,
		JobQueueSize:               256,
		JobShutdownGrace:           30 * time.Second,
		WhatsAppIngestSignatureTTL: 300 * time.Second,
		WhatsAppRateLimitPerMinute: 60,
		WhatsAppRateLimitBurst:     10,
		WhatsAppContentHashWindow:  24 * time.Hour,
		WhatsAppExtractDebounce:    5 * time.Second,
	}
}
