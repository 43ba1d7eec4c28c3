package capsule

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/tether/core/fsx"
	"github.com/davidahmann/tether/core/jcs"
	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
)

const (
	// BaseVersion is the capsule version before any extension-field bump.
	BaseVersion = "1.0.0"

	defaultGenerator   = "tether"
	defaultVaultSource = "local"

	maxCapsuleBytes = int64(4 * 1024 * 1024)
)

type CreateOptions struct {
	InstanceName    string
	Traits          map[string]float64
	MemoryLog       []string
	PersonalityType string
	TetherSignature string
	Generator       string
	VaultSource     string
	Additional      schemacapsule.AdditionalData
	Now             time.Time
}

// Create builds a capsule: metadata with a fresh uuid and UTC timestamp,
// the derived personality split, the classified memory snapshot, the
// captured environment, and defaulted extension fields. The fingerprint is
// assigned once at the end; the capsule is immutable afterwards.
func Create(opts CreateOptions) (schemacapsule.Capsule, error) {
	instanceName := strings.TrimSpace(opts.InstanceName)
	if instanceName == "" {
		return schemacapsule.Capsule{}, fmt.Errorf("instance_name is required")
	}
	now := opts.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	generator := strings.TrimSpace(opts.Generator)
	if generator == "" {
		generator = defaultGenerator
	}
	vaultSource := strings.TrimSpace(opts.VaultSource)
	if vaultSource == "" {
		vaultSource = defaultVaultSource
	}
	traits := opts.Traits
	if traits == nil {
		traits = map[string]float64{}
	}

	additional := NormalizeAdditionalData(opts.Additional)
	version := BaseVersion
	if hasExtensionData(additional) {
		version = bumpMinorVersion(version)
	}

	capsule := schemacapsule.Capsule{
		Metadata: schemacapsule.Metadata{
			InstanceName:    instanceName,
			UUID:            uuid.NewString(),
			Timestamp:       now,
			TetherSignature: strings.TrimSpace(opts.TetherSignature),
			CapsuleVersion:  version,
			Generator:       generator,
			VaultSource:     vaultSource,
		},
		Traits:         traits,
		Personality:    derivePersonality(opts.PersonalityType),
		Memory:         classifyMemories(opts.MemoryLog, now),
		Environment:    captureEnvironment(now),
		AdditionalData: additional,
	}

	fingerprint, err := Fingerprint(capsule)
	if err != nil {
		return schemacapsule.Capsule{}, err
	}
	capsule.Metadata.FingerprintHash = fingerprint
	return capsule, nil
}

// Fingerprint computes the capsule content-address: the canonical digest
// of the capsule with metadata.fingerprint_hash forced empty, regardless
// of its current value.
func Fingerprint(capsule schemacapsule.Capsule) (string, error) {
	stripped := capsule
	stripped.Metadata.FingerprintHash = ""
	stripped.AdditionalData = NormalizeAdditionalData(stripped.AdditionalData)
	digest, err := jcs.DigestValue(stripped)
	if err != nil {
		return "", fmt.Errorf("fingerprint capsule: %w", err)
	}
	return digest, nil
}

// Verify recomputes the fingerprint with the stored hash cleared and
// reports whether it matches the stored value.
func Verify(capsule schemacapsule.Capsule) bool {
	if strings.TrimSpace(capsule.Metadata.FingerprintHash) == "" {
		return false
	}
	computed, err := Fingerprint(capsule)
	if err != nil {
		return false
	}
	return computed == capsule.Metadata.FingerprintHash
}

// Save persists the capsule as an indented JSON document via an atomic
// write.
func Save(path string, capsule schemacapsule.Capsule) error {
	encoded, err := json.MarshalIndent(capsule, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal capsule: %w", err)
	}
	encoded = append(encoded, '\n')
	return fsx.WriteFileAtomic(path, encoded, 0o600)
}

// Load reads a capsule file and routes the extension slot through the same
// defaulting as Create so pre-extension capsule files interoperate. Load
// never re-runs the version bump.
func Load(path string) (schemacapsule.Capsule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return schemacapsule.Capsule{}, fmt.Errorf("stat capsule: %w", err)
	}
	if info.Size() > maxCapsuleBytes {
		return schemacapsule.Capsule{}, fmt.Errorf("capsule exceeds size limit (%d bytes)", maxCapsuleBytes)
	}
	// #nosec G304 -- capsule path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return schemacapsule.Capsule{}, fmt.Errorf("read capsule: %w", err)
	}
	var capsule schemacapsule.Capsule
	if err := json.Unmarshal(content, &capsule); err != nil {
		return schemacapsule.Capsule{}, fmt.Errorf("parse capsule: %w", err)
	}
	return normalizeLoaded(capsule), nil
}

// normalizeLoaded applies load-time defaulting without mutating anything
// covered by the fingerprint on a well-formed modern capsule: nil slices
// from old files become empty slices, and the extension slot is defaulted
// exactly as at creation.
func normalizeLoaded(capsule schemacapsule.Capsule) schemacapsule.Capsule {
	output := capsule
	if output.Traits == nil {
		output.Traits = map[string]float64{}
	}
	if output.Personality.Scores == nil {
		output.Personality.Scores = map[string]float64{}
	}
	if output.Memory.ShortTerm == nil {
		output.Memory.ShortTerm = []string{}
	}
	if output.Memory.LongTerm == nil {
		output.Memory.LongTerm = []string{}
	}
	if output.Memory.Emotional == nil {
		output.Memory.Emotional = []string{}
	}
	if output.Memory.Procedural == nil {
		output.Memory.Procedural = []string{}
	}
	if output.Memory.Episodic == nil {
		output.Memory.Episodic = []string{}
	}
	if output.Environment.Interfaces == nil {
		output.Environment.Interfaces = []string{}
	}
	output.AdditionalData = NormalizeAdditionalData(output.AdditionalData)
	return output
}
