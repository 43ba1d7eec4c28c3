package record

import "time"

// MemoryRecord is an atomic, independently addressable memory unit.
// Created once at ingestion time, never mutated, append-only.
type MemoryRecord struct {
	MemoryID     string    `json:"memory_id"`
	SourceID     string    `json:"source_id"`
	CreatedTS    string    `json:"created_ts"`
	Raw          string    `json:"raw"`
	RawSHA256    string    `json:"raw_sha256"`
	Preprocessed string    `json:"preprocessed,omitempty"`
	EmbedModel   string    `json:"embed_model"`
	EmbedDim     int       `json:"embed_dim"`
	Embedding    []float64 `json:"embedding"`
	Consent      string    `json:"consent"`
	Tags         []string  `json:"tags"`

	// Ledger linkage. Stripped before the leaf hash is computed.
	LeafSHA256      string `json:"leaf_sha256"`
	PrevChainSHA256 string `json:"prev_chain_sha256"`
	ChainSHA256     string `json:"chain_sha256"`
}

// Batch is one batch file: a small header plus an ordered record sequence.
type Batch struct {
	InstanceName string         `json:"instance_name"`
	CreatedAt    time.Time      `json:"created_at"`
	RecordCount  int            `json:"record_count"`
	Records      []MemoryRecord `json:"records"`
}

// LedgerDocument is the persisted ledger: the ordered chain_sha256 values
// for every accepted record.
type LedgerDocument struct {
	LastUpdated time.Time `json:"last_updated"`
	Chain       []string  `json:"chain"`
}

// ValidationResult reports the outcome of record validation. Content
// problems are enumerated here, never raised as errors.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	ChainUpdated bool     `json:"chain_updated"`
}

// Consent values accepted on a record.
const (
	ConsentSelf    = "self"
	ConsentPartner = "partner"
	ConsentUnknown = "unknown"
)
