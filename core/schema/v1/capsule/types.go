package capsule

import "time"

// Capsule is a complete, versioned, content-addressed snapshot of one
// entity's state. Immutable after creation except for the one-time
// fingerprint assignment.
type Capsule struct {
	Metadata       Metadata           `json:"metadata"`
	Traits         map[string]float64 `json:"traits"`
	Personality    Personality        `json:"personality"`
	Memory         MemorySnapshot     `json:"memory"`
	Environment    Environment        `json:"environment"`
	AdditionalData AdditionalData     `json:"additional_data"`
}

type Metadata struct {
	InstanceName    string    `json:"instance_name"`
	UUID            string    `json:"uuid"`
	Timestamp       time.Time `json:"timestamp"`
	FingerprintHash string    `json:"fingerprint_hash"`
	TetherSignature string    `json:"tether_signature"`
	CapsuleVersion  string    `json:"capsule_version"`
	Generator       string    `json:"generator"`
	VaultSource     string    `json:"vault_source"`
}

// Personality holds the declared type code and the per-pole score
// breakdown derived from it.
type Personality struct {
	TypeCode string             `json:"type_code"`
	Scores   map[string]float64 `json:"scores"`
}

// MemorySnapshot buckets free-text memory entries into five disjoint
// ordered sequences. Write-once after capsule creation.
type MemorySnapshot struct {
	ShortTerm     []string  `json:"short_term"`
	LongTerm      []string  `json:"long_term"`
	Emotional     []string  `json:"emotional"`
	Procedural    []string  `json:"procedural"`
	Episodic      []string  `json:"episodic"`
	MemoryCount   int       `json:"memory_count"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// Environment captures host facts at creation time. Write-once.
type Environment struct {
	Hostname   string    `json:"hostname"`
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
	Runtime    string    `json:"runtime"`
	PID        int       `json:"pid"`
	WorkingDir string    `json:"working_dir"`
	Interfaces []string  `json:"interfaces"`
	CapturedAt time.Time `json:"captured_at"`
}

// AdditionalData is the extension slot for out-of-band metadata. A mapping
// is "present" only when non-nil and non-empty; presence of any mapping
// triggers the minor version bump at construction time.
type AdditionalData struct {
	Identity   map[string]string `json:"identity"`
	Tether     map[string]string `json:"tether"`
	Sigil      map[string]string `json:"sigil"`
	Continuity map[string]string `json:"continuity"`
	Origin     string            `json:"origin,omitempty"`
	Steward    string            `json:"steward,omitempty"`
	Annotation string            `json:"annotation,omitempty"`
}
