package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	corecapsule "github.com/davidahmann/tether/core/capsule"
	"github.com/davidahmann/tether/core/jcs"
	"github.com/davidahmann/tether/core/ledger"
	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

// Result is the weighted validation outcome. Scores start at 1.0 and are
// reduced per matched error category, clamped to [0, 1]. Any security
// error forces Valid=false regardless of score.
type Result struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	IntegrityScore  float64  `json:"integrity_score"`
	ProvenanceScore float64  `json:"provenance_score"`
	SecurityScore   float64  `json:"security_score"`
	ChainAdmitted   bool     `json:"chain_admitted"`
}

// issue kinds drive score deductions.
const (
	kindSchema       = "schema"
	kindMissingField = "missing_field"
	kindHashMismatch = "hash_mismatch"
	kindProvenance   = "provenance"
	kindCanary       = "canary"
	kindPattern      = "pattern"
	kindDeterminism  = "determinism"
)

type issue struct {
	kind    string
	message string
}

// RecordOptions tune one record validation.
type RecordOptions struct {
	// SourcePath enables the optional on-disk cross-check: the named
	// file's content hash must equal the record's raw_sha256.
	SourcePath string
	Now        time.Time
}

// CapsuleOptions tune one capsule validation.
type CapsuleOptions struct {
	Now time.Time
}

// Validator runs defense-in-depth checks beyond schema conformance and
// keeps its own Merkle chain of everything it admitted with zero errors.
// That chain is local to the validator and distinct from the record
// ledger.
type Validator struct {
	rules Rules
	chain *merkleChain
}

func New(rules Rules) (*Validator, error) {
	normalized, err := NormalizeRules(rules)
	if err != nil {
		return nil, err
	}
	return &Validator{rules: normalized, chain: newMerkleChain()}, nil
}

// Rules returns the active rule set.
func (v *Validator) Rules() Rules {
	return v.rules
}

// Chain returns a copy of the validator-local admission chain.
func (v *Validator) Chain() []string {
	return v.chain.entries()
}

// ValidateRecord runs the five check groups over one record and admits it
// to the validator chain iff it has zero errors.
func (v *Validator) ValidateRecord(rec schemarecord.MemoryRecord, opts RecordOptions) (Result, error) {
	now := opts.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	issues := []issue{}
	warnings := []string{}

	issues = append(issues, recordShapeIssues(rec)...)
	issues = append(issues, v.recordProvenanceIssues(rec, now)...)
	fileIssues, fileWarnings, err := v.recordIntegrityIssues(rec, opts.SourcePath)
	if err != nil {
		return Result{}, err
	}
	issues = append(issues, fileIssues...)
	warnings = append(warnings, fileWarnings...)
	issues = append(issues, v.securityIssues(rec.Raw)...)
	issues = append(issues, v.securityIssues(rec.Preprocessed)...)
	issues = append(issues, v.determinismIssues(rec.EmbedModel)...)

	result := v.score(issues, warnings)
	if result.Valid {
		leaf, digestErr := jcs.DigestValue(rec)
		if digestErr != nil {
			return Result{}, fmt.Errorf("digest record for admission: %w", digestErr)
		}
		v.chain.admit(leaf)
		result.ChainAdmitted = true
	}
	return result, nil
}

// ValidateCapsule runs the five check groups over a full capsule.
func (v *Validator) ValidateCapsule(capsule schemacapsule.Capsule, opts CapsuleOptions) (Result, error) {
	now := opts.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	issues := []issue{}
	warnings := []string{}

	issues = append(issues, capsuleShapeIssues(capsule)...)
	issues = append(issues, v.capsuleProvenanceIssues(capsule, now)...)
	issues = append(issues, capsuleIntegrityIssues(capsule)...)
	for _, entry := range capsuleTexts(capsule) {
		issues = append(issues, v.securityIssues(entry)...)
	}
	issues = append(issues, v.capsuleDeterminismIssues(capsule)...)

	result := v.score(issues, warnings)
	if result.Valid {
		leaf, digestErr := jcs.DigestValue(capsule)
		if digestErr != nil {
			return Result{}, fmt.Errorf("digest capsule for admission: %w", digestErr)
		}
		v.chain.admit(leaf)
		result.ChainAdmitted = true
	}
	return result, nil
}

func (v *Validator) score(issues []issue, warnings []string) Result {
	result := Result{
		Errors:          []string{},
		Warnings:        warnings,
		IntegrityScore:  1.0,
		ProvenanceScore: 1.0,
		SecurityScore:   1.0,
	}
	securityHit := false
	for _, item := range issues {
		result.Errors = append(result.Errors, item.message)
		switch item.kind {
		case kindHashMismatch:
			result.IntegrityScore -= v.rules.Weights.HashMismatch
		case kindMissingField:
			result.IntegrityScore -= v.rules.Weights.MissingField
		case kindSchema:
			result.IntegrityScore -= v.rules.Weights.Schema
		case kindProvenance:
			result.ProvenanceScore -= v.rules.Weights.Provenance
		case kindDeterminism:
			result.ProvenanceScore -= v.rules.Weights.Determinism
		case kindCanary:
			result.SecurityScore -= v.rules.Weights.Canary
			securityHit = true
		case kindPattern:
			result.SecurityScore -= v.rules.Weights.Pattern
			securityHit = true
		}
	}
	result.IntegrityScore = clampScore(result.IntegrityScore)
	result.ProvenanceScore = clampScore(result.ProvenanceScore)
	result.SecurityScore = clampScore(result.SecurityScore)
	result.Valid = len(result.Errors) == 0 && !securityHit
	return result
}

func recordShapeIssues(rec schemarecord.MemoryRecord) []issue {
	issues := []issue{}
	if strings.TrimSpace(rec.MemoryID) == "" {
		issues = append(issues, issue{kindMissingField, "record missing memory_id"})
	}
	if strings.TrimSpace(rec.SourceID) == "" {
		issues = append(issues, issue{kindMissingField, "record missing source_id"})
	}
	if strings.TrimSpace(rec.CreatedTS) == "" {
		issues = append(issues, issue{kindMissingField, "record missing created_ts"})
	}
	if rec.Raw == "" {
		issues = append(issues, issue{kindMissingField, "record missing raw"})
	}
	if strings.TrimSpace(rec.RawSHA256) == "" {
		issues = append(issues, issue{kindMissingField, "record missing raw_sha256"})
	}
	if strings.TrimSpace(rec.Consent) == "" {
		issues = append(issues, issue{kindMissingField, "record missing consent"})
	}
	return issues
}

func (v *Validator) recordProvenanceIssues(rec schemarecord.MemoryRecord, now time.Time) []issue {
	issues := []issue{}
	if len(rec.SourceID) < v.rules.Thresholds.MinSourceIDLen {
		issues = append(issues, issue{kindProvenance, fmt.Sprintf("source_id shorter than %d characters", v.rules.Thresholds.MinSourceIDLen)})
	}
	if len(rec.MemoryID) < v.rules.Thresholds.MinMemoryIDLen {
		issues = append(issues, issue{kindProvenance, fmt.Sprintf("memory_id shorter than %d characters", v.rules.Thresholds.MinMemoryIDLen)})
	}
	if createdAt, err := time.Parse(ledger.CreatedTSLayout, rec.CreatedTS); err == nil {
		issues = append(issues, v.timestampIssues(createdAt, now)...)
	} else if rec.CreatedTS != "" {
		issues = append(issues, issue{kindProvenance, "created_ts is not a parseable UTC timestamp"})
	}
	return issues
}

func (v *Validator) timestampIssues(createdAt, now time.Time) []issue {
	issues := []issue{}
	if createdAt.After(now) {
		issues = append(issues, issue{kindProvenance, "created_ts is in the future"})
	}
	maxAge := time.Duration(v.rules.Thresholds.MaxRecordAgeDays) * 24 * time.Hour
	if now.Sub(createdAt) > maxAge {
		issues = append(issues, issue{kindProvenance, fmt.Sprintf("created_ts older than %d days", v.rules.Thresholds.MaxRecordAgeDays)})
	}
	return issues
}

func (v *Validator) recordIntegrityIssues(rec schemarecord.MemoryRecord, sourcePath string) ([]issue, []string, error) {
	issues := []issue{}
	warnings := []string{}
	if rec.Raw != "" && jcs.DigestBytes([]byte(rec.Raw)) != rec.RawSHA256 {
		issues = append(issues, issue{kindHashMismatch, "raw_sha256 does not match recomputed hash of raw"})
	}
	if rec.EmbedDim < v.rules.Thresholds.MinEmbedDim || rec.EmbedDim > v.rules.Thresholds.MaxEmbedDim {
		issues = append(issues, issue{kindSchema, fmt.Sprintf("embed_dim %d outside [%d, %d]", rec.EmbedDim, v.rules.Thresholds.MinEmbedDim, v.rules.Thresholds.MaxEmbedDim)})
	}
	if len(rec.Embedding) != rec.EmbedDim {
		issues = append(issues, issue{kindSchema, fmt.Sprintf("embedding length %d does not equal embed_dim %d", len(rec.Embedding), rec.EmbedDim)})
	}
	for index, component := range rec.Embedding {
		if math.IsNaN(component) || math.IsInf(component, 0) {
			issues = append(issues, issue{kindSchema, fmt.Sprintf("embedding component %d is not finite", index)})
			break
		}
	}
	if sourcePath != "" {
		// #nosec G304 -- cross-check path is explicit local caller input.
		content, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read source file for cross-check: %w", err)
		}
		if jcs.DigestBytes(content) != rec.RawSHA256 {
			issues = append(issues, issue{kindHashMismatch, "on-disk source file hash does not match raw_sha256"})
		}
	}
	return issues, warnings, nil
}

func (v *Validator) securityIssues(text string) []issue {
	if text == "" {
		return nil
	}
	issues := []issue{}
	for _, canary := range v.rules.Canaries {
		if strings.Contains(text, canary) {
			issues = append(issues, issue{kindCanary, fmt.Sprintf("canary token detected: %s", canary)})
		}
	}
	for _, rule := range v.rules.Patterns {
		if rule.compiled.MatchString(text) {
			issues = append(issues, issue{kindPattern, fmt.Sprintf("suspicious pattern matched: %s", rule.Name)})
		}
	}
	return issues
}

func (v *Validator) determinismIssues(embedModel string) []issue {
	issues := []issue{}
	trimmed := strings.TrimSpace(embedModel)
	if trimmed == "" {
		issues = append(issues, issue{kindDeterminism, "embed_model is required"})
		return issues
	}
	lowered := strings.ToLower(trimmed)
	for _, vague := range v.rules.VagueModels {
		if lowered == vague {
			issues = append(issues, issue{kindDeterminism, fmt.Sprintf("embed_model %q is too vague", trimmed)})
		}
	}
	if !strings.Contains(trimmed, ":") && !strings.Contains(trimmed, "@") {
		issues = append(issues, issue{kindDeterminism, "embed_model must be version-pinned with ':' or '@'"})
	}
	return issues
}

func capsuleShapeIssues(capsule schemacapsule.Capsule) []issue {
	issues := []issue{}
	if strings.TrimSpace(capsule.Metadata.InstanceName) == "" {
		issues = append(issues, issue{kindMissingField, "capsule missing metadata.instance_name"})
	}
	if strings.TrimSpace(capsule.Metadata.UUID) == "" {
		issues = append(issues, issue{kindMissingField, "capsule missing metadata.uuid"})
	}
	if strings.TrimSpace(capsule.Metadata.FingerprintHash) == "" {
		issues = append(issues, issue{kindMissingField, "capsule missing metadata.fingerprint_hash"})
	}
	if strings.TrimSpace(capsule.Metadata.CapsuleVersion) == "" {
		issues = append(issues, issue{kindMissingField, "capsule missing metadata.capsule_version"})
	}
	bucketSum := len(capsule.Memory.ShortTerm) + len(capsule.Memory.LongTerm) +
		len(capsule.Memory.Emotional) + len(capsule.Memory.Procedural) + len(capsule.Memory.Episodic)
	if capsule.Memory.MemoryCount != bucketSum {
		issues = append(issues, issue{kindSchema, fmt.Sprintf("memory_count %d does not match %d bucketed entries", capsule.Memory.MemoryCount, bucketSum)})
	}
	issues = append(issues, scriptPayloadIssues(capsule.AdditionalData)...)
	return issues
}

// scriptPayloadIssues checks embedded script payloads in the extension
// slot: a script entry must declare a known language and parse under it.
func scriptPayloadIssues(data schemacapsule.AdditionalData) []issue {
	issues := []issue{}
	for name, mapping := range map[string]map[string]string{
		"identity":   data.Identity,
		"tether":     data.Tether,
		"sigil":      data.Sigil,
		"continuity": data.Continuity,
	} {
		script, hasScript := mapping["script"]
		if !hasScript {
			continue
		}
		language := strings.ToLower(strings.TrimSpace(mapping["script_language"]))
		switch language {
		case "json":
			var parsed any
			if err := json.Unmarshal([]byte(script), &parsed); err != nil {
				issues = append(issues, issue{kindSchema, fmt.Sprintf("additional_data.%s script is not well-formed json", name)})
			}
		case "yaml":
			var parsed any
			if err := yaml.Unmarshal([]byte(script), &parsed); err != nil {
				issues = append(issues, issue{kindSchema, fmt.Sprintf("additional_data.%s script is not well-formed yaml", name)})
			}
		default:
			issues = append(issues, issue{kindSchema, fmt.Sprintf("additional_data.%s script declares unsupported language %q", name, language)})
		}
	}
	return issues
}

func (v *Validator) capsuleProvenanceIssues(capsule schemacapsule.Capsule, now time.Time) []issue {
	issues := []issue{}
	if len(capsule.Metadata.UUID) < v.rules.Thresholds.MinMemoryIDLen {
		issues = append(issues, issue{kindProvenance, fmt.Sprintf("metadata.uuid shorter than %d characters", v.rules.Thresholds.MinMemoryIDLen)})
	}
	if !capsule.Metadata.Timestamp.IsZero() {
		issues = append(issues, v.timestampIssues(capsule.Metadata.Timestamp.UTC(), now)...)
	} else {
		issues = append(issues, issue{kindProvenance, "metadata.timestamp is missing"})
	}
	return issues
}

func capsuleIntegrityIssues(capsule schemacapsule.Capsule) []issue {
	issues := []issue{}
	computed, err := corecapsule.Fingerprint(capsule)
	if err != nil {
		issues = append(issues, issue{kindSchema, fmt.Sprintf("capsule cannot be canonicalized: %v", err)})
		return issues
	}
	if capsule.Metadata.FingerprintHash != "" && computed != capsule.Metadata.FingerprintHash {
		issues = append(issues, issue{kindHashMismatch, "fingerprint_hash does not match recomputed capsule fingerprint"})
	}
	return issues
}

func (v *Validator) capsuleDeterminismIssues(capsule schemacapsule.Capsule) []issue {
	issues := []issue{}
	generator := strings.ToLower(strings.TrimSpace(capsule.Metadata.Generator))
	for _, vague := range v.rules.VagueModels {
		if generator == vague {
			issues = append(issues, issue{kindDeterminism, fmt.Sprintf("metadata.generator %q is too vague", capsule.Metadata.Generator)})
		}
	}
	return issues
}

func capsuleTexts(capsule schemacapsule.Capsule) []string {
	texts := []string{}
	texts = append(texts, capsule.Memory.ShortTerm...)
	texts = append(texts, capsule.Memory.LongTerm...)
	texts = append(texts, capsule.Memory.Emotional...)
	texts = append(texts, capsule.Memory.Procedural...)
	texts = append(texts, capsule.Memory.Episodic...)
	for _, mapping := range []map[string]string{
		capsule.AdditionalData.Identity,
		capsule.AdditionalData.Tether,
		capsule.AdditionalData.Sigil,
		capsule.AdditionalData.Continuity,
	} {
		for _, value := range mapping {
			texts = append(texts, value)
		}
	}
	texts = append(texts, capsule.AdditionalData.Origin, capsule.AdditionalData.Steward, capsule.AdditionalData.Annotation)
	return texts
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
