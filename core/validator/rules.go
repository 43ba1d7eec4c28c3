package validator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	rulesSchemaID = "tether.validator.rules"
	rulesSchemaV1 = "1.0.0"
)

// Rules is the versioned security and scoring rule set. Canaries,
// suspicious patterns, weights and thresholds are configuration, not
// validator logic, so the rule set can be audited and tested on its own.
type Rules struct {
	SchemaID      string        `yaml:"schema_id" json:"schema_id"`
	SchemaVersion string        `yaml:"schema_version" json:"schema_version"`
	Canaries      []string      `yaml:"canaries" json:"canaries"`
	Patterns      []PatternRule `yaml:"patterns" json:"patterns"`
	Weights       Weights       `yaml:"weights" json:"weights"`
	Thresholds    Thresholds    `yaml:"thresholds" json:"thresholds"`
	VagueModels   []string      `yaml:"vague_models" json:"vague_models"`
}

// PatternRule is one suspicious-content rule. Pattern is a Go regular
// expression compiled at normalization time.
type PatternRule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`

	compiled *regexp.Regexp
}

// Weights are per-category score deductions, applied per matched error
// and clamped to [0, 1].
type Weights struct {
	HashMismatch float64 `yaml:"hash_mismatch" json:"hash_mismatch"`
	Canary       float64 `yaml:"canary" json:"canary"`
	MissingField float64 `yaml:"missing_field" json:"missing_field"`
	Pattern      float64 `yaml:"pattern" json:"pattern"`
	Provenance   float64 `yaml:"provenance" json:"provenance"`
	Determinism  float64 `yaml:"determinism" json:"determinism"`
	Schema       float64 `yaml:"schema" json:"schema"`
}

// Thresholds are the numeric limits the validator applies. They are
// parameters, not fixed truths.
type Thresholds struct {
	MinSourceIDLen   int `yaml:"min_source_id_len" json:"min_source_id_len"`
	MinMemoryIDLen   int `yaml:"min_memory_id_len" json:"min_memory_id_len"`
	MaxRecordAgeDays int `yaml:"max_record_age_days" json:"max_record_age_days"`
	MinEmbedDim      int `yaml:"min_embed_dim" json:"min_embed_dim"`
	MaxEmbedDim      int `yaml:"max_embed_dim" json:"max_embed_dim"`
}

// DefaultRules returns the compiled-in rule set.
func DefaultRules() Rules {
	normalized, err := NormalizeRules(defaultRuleValues())
	if err != nil {
		// The compiled-in set must always normalize.
		panic(fmt.Sprintf("default rules invalid: %v", err))
	}
	return normalized
}

// LoadRulesFile reads a YAML rule file and normalizes it. Omitted fields
// inherit the compiled-in defaults so an override file can pin only what
// it changes.
func LoadRulesFile(path string) (Rules, error) {
	// #nosec G304 -- rules path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	return ParseRulesYAML(content)
}

// ParseRulesYAML parses and normalizes a YAML rule set. Weights and
// thresholds resolve per field: an absent field inherits the compiled-in
// default, while an explicit value is kept as written, including zero,
// so an operator can disable a single deduction.
func ParseRulesYAML(data []byte) (Rules, error) {
	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rules{}, fmt.Errorf("parse rules yaml: %w", err)
	}
	defaults := defaultRuleValues()
	rules := Rules{
		SchemaID:      doc.SchemaID,
		SchemaVersion: doc.SchemaVersion,
		Canaries:      doc.Canaries,
		Patterns:      doc.Patterns,
		Weights:       doc.Weights.resolve(defaults.Weights),
		Thresholds:    doc.Thresholds.resolve(defaults.Thresholds),
		VagueModels:   doc.VagueModels,
	}
	return NormalizeRules(rules)
}

// rulesDocument is the YAML wire form of Rules. Weights and thresholds
// are pointers so a written zero is distinguishable from an absent field.
type rulesDocument struct {
	SchemaID      string             `yaml:"schema_id"`
	SchemaVersion string             `yaml:"schema_version"`
	Canaries      []string           `yaml:"canaries"`
	Patterns      []PatternRule      `yaml:"patterns"`
	Weights       weightsDocument    `yaml:"weights"`
	Thresholds    thresholdsDocument `yaml:"thresholds"`
	VagueModels   []string           `yaml:"vague_models"`
}

type weightsDocument struct {
	HashMismatch *float64 `yaml:"hash_mismatch"`
	Canary       *float64 `yaml:"canary"`
	MissingField *float64 `yaml:"missing_field"`
	Pattern      *float64 `yaml:"pattern"`
	Provenance   *float64 `yaml:"provenance"`
	Determinism  *float64 `yaml:"determinism"`
	Schema       *float64 `yaml:"schema"`
}

func (d weightsDocument) resolve(defaults Weights) Weights {
	return Weights{
		HashMismatch: resolveFloat(d.HashMismatch, defaults.HashMismatch),
		Canary:       resolveFloat(d.Canary, defaults.Canary),
		MissingField: resolveFloat(d.MissingField, defaults.MissingField),
		Pattern:      resolveFloat(d.Pattern, defaults.Pattern),
		Provenance:   resolveFloat(d.Provenance, defaults.Provenance),
		Determinism:  resolveFloat(d.Determinism, defaults.Determinism),
		Schema:       resolveFloat(d.Schema, defaults.Schema),
	}
}

type thresholdsDocument struct {
	MinSourceIDLen   *int `yaml:"min_source_id_len"`
	MinMemoryIDLen   *int `yaml:"min_memory_id_len"`
	MaxRecordAgeDays *int `yaml:"max_record_age_days"`
	MinEmbedDim      *int `yaml:"min_embed_dim"`
	MaxEmbedDim      *int `yaml:"max_embed_dim"`
}

func (d thresholdsDocument) resolve(defaults Thresholds) Thresholds {
	return Thresholds{
		MinSourceIDLen:   resolveInt(d.MinSourceIDLen, defaults.MinSourceIDLen),
		MinMemoryIDLen:   resolveInt(d.MinMemoryIDLen, defaults.MinMemoryIDLen),
		MaxRecordAgeDays: resolveInt(d.MaxRecordAgeDays, defaults.MaxRecordAgeDays),
		MinEmbedDim:      resolveInt(d.MinEmbedDim, defaults.MinEmbedDim),
		MaxEmbedDim:      resolveInt(d.MaxEmbedDim, defaults.MaxEmbedDim),
	}
}

func resolveFloat(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}
	return *value
}

func resolveInt(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// NormalizeRules fills defaults, trims entries and compiles patterns.
func NormalizeRules(input Rules) (Rules, error) {
	defaults := defaultRuleValues()
	rules := input
	if strings.TrimSpace(rules.SchemaID) == "" {
		rules.SchemaID = rulesSchemaID
	}
	if rules.SchemaID != rulesSchemaID {
		return Rules{}, fmt.Errorf("unsupported rules schema_id: %s", rules.SchemaID)
	}
	if strings.TrimSpace(rules.SchemaVersion) == "" {
		rules.SchemaVersion = rulesSchemaV1
	}
	if rules.Canaries == nil {
		rules.Canaries = defaults.Canaries
	}
	canaries := make([]string, 0, len(rules.Canaries))
	for _, canary := range rules.Canaries {
		trimmed := strings.TrimSpace(canary)
		if trimmed != "" {
			canaries = append(canaries, trimmed)
		}
	}
	rules.Canaries = canaries
	if rules.Patterns == nil {
		rules.Patterns = defaults.Patterns
	}
	for index := range rules.Patterns {
		rules.Patterns[index].Name = strings.TrimSpace(rules.Patterns[index].Name)
		if rules.Patterns[index].Name == "" {
			return Rules{}, fmt.Errorf("pattern %d missing name", index)
		}
		compiled, err := regexp.Compile(rules.Patterns[index].Pattern)
		if err != nil {
			return Rules{}, fmt.Errorf("compile pattern %s: %w", rules.Patterns[index].Name, err)
		}
		rules.Patterns[index].compiled = compiled
	}
	// An all-zero struct means the caller never set weights or
	// thresholds; individual zero values set through ParseRulesYAML
	// survive untouched.
	if rules.Weights == (Weights{}) {
		rules.Weights = defaults.Weights
	}
	if rules.Thresholds == (Thresholds{}) {
		rules.Thresholds = defaults.Thresholds
	}
	if rules.VagueModels == nil {
		rules.VagueModels = defaults.VagueModels
	}
	return rules, nil
}

// defaultRuleValues is the raw compiled-in set before normalization.
func defaultRuleValues() Rules {
	return Rules{
		Canaries: []string{
			"TETHER-CANARY-7F3A9D",
			"canary::vault-leak-sentinel",
			"CT-EXFIL-MARKER-0x5151",
		},
		Patterns: []PatternRule{
			{Name: "instruction_override", Pattern: `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`},
			{Name: "prompt_disregard", Pattern: `(?i)disregard\s+(the\s+)?(system|above)\s+prompt`},
			{Name: "file_uri", Pattern: `file://`},
			{Name: "cloud_metadata_endpoint", Pattern: `169\.254\.169\.254|metadata\.google\.internal`},
			{Name: "private_key_block", Pattern: `-----BEGIN\s+(RSA|OPENSSH|EC)\s+PRIVATE\s+KEY-----`},
		},
		Weights: Weights{
			HashMismatch: 0.3,
			Canary:       0.8,
			MissingField: 0.4,
			Pattern:      0.4,
			Provenance:   0.2,
			Determinism:  0.2,
			Schema:       0.3,
		},
		Thresholds: Thresholds{
			MinSourceIDLen:   8,
			MinMemoryIDLen:   16,
			MaxRecordAgeDays: 365,
			MinEmbedDim:      128,
			MaxEmbedDim:      4096,
		},
		VagueModels: []string{"unknown", "default", "latest", "model"},
	}
}
