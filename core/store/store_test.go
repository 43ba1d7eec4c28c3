package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	corecapsule "github.com/davidahmann/tether/core/capsule"
	"github.com/davidahmann/tether/core/ledger"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ingestRecord(t *testing.T, handle *ledger.Ledger, raw, sourceID string) schemarecord.MemoryRecord {
	t.Helper()
	embedding := make([]float64, 384)
	rec, result, err := handle.Ingest(ledger.CreateRecordOptions{
		SourceID:   sourceID,
		Raw:        raw,
		Embedding:  embedding,
		EmbedModel: "minilm:v2.1",
		Consent:    "self",
		Tags:       []string{"indexed"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Valid {
		t.Fatalf("fixture rejected: %v", result.Errors)
	}
	return rec
}

func TestIndexAndLookupRecord(t *testing.T) {
	s := openStore(t)
	handle, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	rec := ingestRecord(t, handle, "first indexed memory", "source-alpha-01")

	if err := s.IndexRecord(rec); err != nil {
		t.Fatalf("index record: %v", err)
	}
	row, err := s.RecordByMemoryID(rec.MemoryID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.ChainSHA256 != rec.ChainSHA256 {
		t.Fatalf("chain hash mismatch: %s vs %s", row.ChainSHA256, rec.ChainSHA256)
	}
	if len(row.Tags) != 1 || row.Tags[0] != "indexed" {
		t.Fatalf("tags not round-tripped: %v", row.Tags)
	}

	// Records are immutable; re-indexing the same id must refuse.
	if err := s.IndexRecord(rec); err == nil {
		t.Fatalf("duplicate memory_id must be rejected")
	}
}

func TestLookupMissingRecord(t *testing.T) {
	s := openStore(t)
	if _, err := s.RecordByMemoryID("01ARZ3NDEKTSV4RRFFQ69G5FAV"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordsBySource(t *testing.T) {
	s := openStore(t)
	handle, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	for _, raw := range []string{"one", "two", "three"} {
		if err := s.IndexRecord(ingestRecord(t, handle, raw, "source-alpha-01")); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	if err := s.IndexRecord(ingestRecord(t, handle, "other", "source-beta-02")); err != nil {
		t.Fatalf("index: %v", err)
	}

	rows, err := s.RecordsBySource("source-alpha-01")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	count, err := s.RecordCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 indexed records, got %d", count)
	}
}

func TestIndexCapsule(t *testing.T) {
	s := openStore(t)
	capsule, err := corecapsule.Create(corecapsule.CreateOptions{
		InstanceName:    "aria",
		PersonalityType: "INFJ",
		Now:             time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create capsule: %v", err)
	}

	if err := s.IndexCapsule(capsule, "/vault/aria.json"); err != nil {
		t.Fatalf("index capsule: %v", err)
	}
	row, err := s.CapsuleByUUID(capsule.Metadata.UUID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.FingerprintHash != capsule.Metadata.FingerprintHash {
		t.Fatalf("fingerprint mismatch")
	}

	// Re-indexing with a new path refreshes the row.
	if err := s.IndexCapsule(capsule, "/vault/archive/aria.json"); err != nil {
		t.Fatalf("re-index capsule: %v", err)
	}
	row, err = s.CapsuleByUUID(capsule.Metadata.UUID)
	if err != nil {
		t.Fatalf("lookup after re-index: %v", err)
	}
	if row.Path != "/vault/archive/aria.json" {
		t.Fatalf("path not refreshed: %s", row.Path)
	}

	list, err := s.CapsulesForInstance("aria")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 capsule, got %d", len(list))
	}
}

func TestSchemaVersionRecorded(t *testing.T) {
	s := openStore(t)
	version, err := userVersion(s.db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", CurrentSchemaVersion, version)
	}
}
