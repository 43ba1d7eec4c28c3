package ledger

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/davidahmann/tether/core/jcs"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

const (
	// CreatedTSLayout is the strict record timestamp format: ISO-8601
	// UTC with second precision and a literal Z offset.
	CreatedTSLayout = "2006-01-02T15:04:05Z"

	MinRawBytes = 1
	MaxRawBytes = 100_000
	MinEmbedDim = 128
	MaxEmbedDim = 4096
)

var createdTSPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

var allowedConsent = map[string]struct{}{
	schemarecord.ConsentSelf:    {},
	schemarecord.ConsentPartner: {},
	schemarecord.ConsentUnknown: {},
}

type CreateRecordOptions struct {
	MemoryID     string
	SourceID     string
	Raw          string
	Preprocessed string
	Embedding    []float64
	EmbedModel   string
	Consent      string
	Tags         []string
	Now          time.Time
}

// CreateRecord assembles a fully linked record against the current ledger
// tail. Missing ids are minted as ULIDs. The record is not appended here;
// ValidateRecord appends iff the record passes every check.
func (l *Ledger) CreateRecord(opts CreateRecordOptions) (schemarecord.MemoryRecord, error) {
	now := opts.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	memoryID := strings.TrimSpace(opts.MemoryID)
	if memoryID == "" {
		memoryID = mintULID()
	}
	sourceID := strings.TrimSpace(opts.SourceID)
	if sourceID == "" {
		sourceID = mintULID()
	}
	consent := strings.ToLower(strings.TrimSpace(opts.Consent))
	if consent == "" {
		consent = schemarecord.ConsentUnknown
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}

	rec := schemarecord.MemoryRecord{
		MemoryID:     memoryID,
		SourceID:     sourceID,
		CreatedTS:    now.Format(CreatedTSLayout),
		Raw:          opts.Raw,
		RawSHA256:    jcs.DigestBytes([]byte(opts.Raw)),
		Preprocessed: opts.Preprocessed,
		EmbedModel:   strings.TrimSpace(opts.EmbedModel),
		EmbedDim:     len(opts.Embedding),
		Embedding:    append([]float64{}, opts.Embedding...),
		Consent:      consent,
		Tags:         tags,
	}

	leaf, err := LeafDigest(rec)
	if err != nil {
		return schemarecord.MemoryRecord{}, fmt.Errorf("compute leaf digest: %w", err)
	}
	rec.LeafSHA256 = leaf
	rec.PrevChainSHA256 = l.Tail()
	rec.ChainSHA256 = ChainDigest(rec.PrevChainSHA256, leaf)
	return rec, nil
}

// ValidateRecord runs the ordered check stages (presence, patterns,
// content, hashes, chain linkage) and appends the record's chain hash to
// the ledger iff there are zero errors. Content problems are reported in
// the result; only infrastructure failures (persist) return an error.
func (l *Ledger) ValidateRecord(rec schemarecord.MemoryRecord) (schemarecord.ValidationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := schemarecord.ValidationResult{Errors: []string{}, Warnings: []string{}}
	result.Errors = append(result.Errors, checkRequiredFields(rec)...)
	result.Errors = append(result.Errors, checkPatterns(rec)...)
	result.Errors = append(result.Errors, checkContent(rec)...)
	result.Errors = append(result.Errors, checkHashes(rec)...)
	result.Errors = append(result.Errors, l.checkChainLocked(rec)...)

	if len(rec.Tags) == 0 {
		result.Warnings = append(result.Warnings, "record has no tags")
	}
	if strings.TrimSpace(rec.Preprocessed) == "" {
		result.Warnings = append(result.Warnings, "record has no preprocessed text")
	}

	if len(result.Errors) > 0 {
		return result, nil
	}
	if err := l.appendLocked(rec.ChainSHA256); err != nil {
		return schemarecord.ValidationResult{}, err
	}
	result.Valid = true
	result.ChainUpdated = true
	return result, nil
}

// Ingest creates, validates and appends one record. CreateRecord reads
// the tail and ValidateRecord re-checks it under the lock, so a racing
// writer surfaces as a refused append (chain error in the result) rather
// than a forked chain.
func (l *Ledger) Ingest(opts CreateRecordOptions) (schemarecord.MemoryRecord, schemarecord.ValidationResult, error) {
	rec, err := l.CreateRecord(opts)
	if err != nil {
		return schemarecord.MemoryRecord{}, schemarecord.ValidationResult{}, err
	}
	result, err := l.ValidateRecord(rec)
	if err != nil {
		return schemarecord.MemoryRecord{}, schemarecord.ValidationResult{}, err
	}
	return rec, result, nil
}

func checkRequiredFields(rec schemarecord.MemoryRecord) []string {
	errs := []string{}
	required := map[string]string{
		"memory_id":         rec.MemoryID,
		"source_id":         rec.SourceID,
		"created_ts":        rec.CreatedTS,
		"raw":               rec.Raw,
		"raw_sha256":        rec.RawSHA256,
		"embed_model":       rec.EmbedModel,
		"consent":           rec.Consent,
		"leaf_sha256":       rec.LeafSHA256,
		"prev_chain_sha256": rec.PrevChainSHA256,
		"chain_sha256":      rec.ChainSHA256,
	}
	// Deterministic report order.
	for _, name := range []string{"memory_id", "source_id", "created_ts", "raw", "raw_sha256", "embed_model", "consent", "leaf_sha256", "prev_chain_sha256", "chain_sha256"} {
		if strings.TrimSpace(required[name]) == "" {
			errs = append(errs, fmt.Sprintf("missing required field: %s", name))
		}
	}
	if rec.EmbedDim == 0 {
		errs = append(errs, "missing required field: embed_dim")
	}
	if len(rec.Embedding) == 0 {
		errs = append(errs, "missing required field: embedding")
	}
	return errs
}

func checkPatterns(rec schemarecord.MemoryRecord) []string {
	errs := []string{}
	if rec.CreatedTS != "" {
		if !createdTSPattern.MatchString(rec.CreatedTS) {
			errs = append(errs, "created_ts must match YYYY-MM-DDTHH:MM:SSZ")
		} else if _, err := time.Parse(CreatedTSLayout, rec.CreatedTS); err != nil {
			errs = append(errs, "created_ts is not a valid UTC timestamp")
		}
	}
	// Deterministic report order.
	hashFields := []struct {
		name  string
		value string
	}{
		{"raw_sha256", rec.RawSHA256},
		{"leaf_sha256", rec.LeafSHA256},
		{"prev_chain_sha256", rec.PrevChainSHA256},
		{"chain_sha256", rec.ChainSHA256},
	}
	for _, field := range hashFields {
		if field.value != "" && !digestPattern.MatchString(field.value) {
			errs = append(errs, fmt.Sprintf("%s must be 64 lowercase hex characters", field.name))
		}
	}
	return errs
}

func checkContent(rec schemarecord.MemoryRecord) []string {
	errs := []string{}
	rawLen := len(rec.Raw)
	if rawLen < MinRawBytes || rawLen > MaxRawBytes {
		errs = append(errs, fmt.Sprintf("raw length %d outside [%d, %d]", rawLen, MinRawBytes, MaxRawBytes))
	}
	if rec.EmbedDim < MinEmbedDim || rec.EmbedDim > MaxEmbedDim {
		errs = append(errs, fmt.Sprintf("embed_dim %d outside [%d, %d]", rec.EmbedDim, MinEmbedDim, MaxEmbedDim))
	}
	if len(rec.Embedding) != rec.EmbedDim {
		errs = append(errs, fmt.Sprintf("embedding length %d does not equal embed_dim %d", len(rec.Embedding), rec.EmbedDim))
	}
	for index, component := range rec.Embedding {
		if math.IsNaN(component) || math.IsInf(component, 0) {
			errs = append(errs, fmt.Sprintf("embedding component %d is not finite", index))
			break
		}
	}
	if _, ok := allowedConsent[rec.Consent]; !ok {
		errs = append(errs, fmt.Sprintf("consent must be one of self|partner|unknown, got %q", rec.Consent))
	}
	return errs
}

func checkHashes(rec schemarecord.MemoryRecord) []string {
	errs := []string{}
	if computed := jcs.DigestBytes([]byte(rec.Raw)); computed != rec.RawSHA256 {
		errs = append(errs, "raw_sha256 does not match recomputed hash of raw")
	}
	leaf, err := LeafDigest(rec)
	if err != nil {
		errs = append(errs, fmt.Sprintf("leaf recompute failed: %v", err))
		return errs
	}
	if leaf != rec.LeafSHA256 {
		errs = append(errs, "leaf_sha256 does not match recomputed leaf hash")
	}
	return errs
}

func (l *Ledger) checkChainLocked(rec schemarecord.MemoryRecord) []string {
	errs := []string{}
	tail := l.tailLocked()
	if rec.PrevChainSHA256 != tail {
		errs = append(errs, fmt.Sprintf("prev_chain_sha256 does not match ledger tail %s", tail))
	}
	if expected := ChainDigest(rec.PrevChainSHA256, rec.LeafSHA256); rec.ChainSHA256 != expected {
		errs = append(errs, "chain_sha256 does not match SHA256(prev_chain_sha256 ++ leaf_sha256)")
	}
	return errs
}

func digestValue(value any) (string, error) {
	return jcs.DigestValue(value)
}

func mintULID() string {
	return ulid.Make().String()
}
