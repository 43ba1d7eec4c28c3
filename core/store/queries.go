package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not indexed")

// RecordRow is the indexed view of one accepted record. The raw text and
// embedding are deliberately not stored; the index holds identity,
// provenance and linkage only.
type RecordRow struct {
	MemoryID        string
	SourceID        string
	CreatedTS       string
	RawSHA256       string
	EmbedModel      string
	EmbedDim        int
	Consent         string
	Tags            []string
	LeafSHA256      string
	PrevChainSHA256 string
	ChainSHA256     string
	IndexedAt       time.Time
}

// CapsuleRow is the indexed view of one saved capsule.
type CapsuleRow struct {
	UUID            string
	InstanceName    string
	FingerprintHash string
	CapsuleVersion  string
	CreatedTS       string
	Path            string
	IndexedAt       time.Time
}

// IndexRecord inserts one accepted record into the index. Re-indexing the
// same memory_id is an error; records are immutable.
func (s *Store) IndexRecord(rec schemarecord.MemoryRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO records (
		  memory_id, source_id, created_ts, raw_sha256, embed_model,
		  embed_dim, consent, tags_json, leaf_sha256, prev_chain_sha256,
		  chain_sha256, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MemoryID, rec.SourceID, rec.CreatedTS, rec.RawSHA256, rec.EmbedModel,
		rec.EmbedDim, rec.Consent, string(tags), rec.LeafSHA256, rec.PrevChainSHA256,
		rec.ChainSHA256, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("index record %s: %w", rec.MemoryID, err)
	}
	return nil
}

// IndexCapsule inserts or refreshes one capsule in the index. The same
// uuid may be re-indexed when the capsule file moves.
func (s *Store) IndexCapsule(capsule schemacapsule.Capsule, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO capsules (
		  uuid, instance_name, fingerprint_hash, capsule_version,
		  created_ts, path, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET path = excluded.path, indexed_at = excluded.indexed_at`,
		capsule.Metadata.UUID, capsule.Metadata.InstanceName, capsule.Metadata.FingerprintHash,
		capsule.Metadata.CapsuleVersion, capsule.Metadata.Timestamp.UTC().Format(time.RFC3339),
		path, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("index capsule %s: %w", capsule.Metadata.UUID, err)
	}
	return nil
}

// RecordByMemoryID looks up one indexed record.
func (s *Store) RecordByMemoryID(memoryID string) (RecordRow, error) {
	row := s.db.QueryRow(`
		SELECT memory_id, source_id, created_ts, raw_sha256, embed_model,
		       embed_dim, consent, tags_json, leaf_sha256, prev_chain_sha256,
		       chain_sha256, indexed_at
		FROM records WHERE memory_id = ?`, memoryID)
	return scanRecord(row)
}

// RecordsBySource returns every indexed record for one source, in
// created_ts order.
func (s *Store) RecordsBySource(sourceID string) ([]RecordRow, error) {
	rows, err := s.db.Query(`
		SELECT memory_id, source_id, created_ts, raw_sha256, embed_model,
		       embed_dim, consent, tags_json, leaf_sha256, prev_chain_sha256,
		       chain_sha256, indexed_at
		FROM records WHERE source_id = ? ORDER BY created_ts, memory_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	out := []RecordRow{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// RecordCount returns the number of indexed records.
func (s *Store) RecordCount() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// CapsuleByUUID looks up one indexed capsule.
func (s *Store) CapsuleByUUID(uuid string) (CapsuleRow, error) {
	var row CapsuleRow
	var indexedAt int64
	err := s.db.QueryRow(`
		SELECT uuid, instance_name, fingerprint_hash, capsule_version,
		       created_ts, path, indexed_at
		FROM capsules WHERE uuid = ?`, uuid).Scan(
		&row.UUID, &row.InstanceName, &row.FingerprintHash, &row.CapsuleVersion,
		&row.CreatedTS, &row.Path, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CapsuleRow{}, ErrNotFound
	}
	if err != nil {
		return CapsuleRow{}, fmt.Errorf("query capsule: %w", err)
	}
	row.IndexedAt = time.Unix(indexedAt, 0).UTC()
	return row, nil
}

// CapsulesForInstance lists indexed capsules for one instance, newest
// first.
func (s *Store) CapsulesForInstance(instanceName string) ([]CapsuleRow, error) {
	rows, err := s.db.Query(`
		SELECT uuid, instance_name, fingerprint_hash, capsule_version,
		       created_ts, path, indexed_at
		FROM capsules WHERE instance_name = ? ORDER BY created_ts DESC`, instanceName)
	if err != nil {
		return nil, fmt.Errorf("query capsules: %w", err)
	}
	defer rows.Close()
	out := []CapsuleRow{}
	for rows.Next() {
		var row CapsuleRow
		var indexedAt int64
		if err := rows.Scan(&row.UUID, &row.InstanceName, &row.FingerprintHash,
			&row.CapsuleVersion, &row.CreatedTS, &row.Path, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		row.IndexedAt = time.Unix(indexedAt, 0).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capsules: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (RecordRow, error) {
	var rec RecordRow
	var tagsJSON string
	var indexedAt int64
	err := scanner.Scan(&rec.MemoryID, &rec.SourceID, &rec.CreatedTS, &rec.RawSHA256,
		&rec.EmbedModel, &rec.EmbedDim, &rec.Consent, &tagsJSON, &rec.LeafSHA256,
		&rec.PrevChainSHA256, &rec.ChainSHA256, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordRow{}, ErrNotFound
	}
	if err != nil {
		return RecordRow{}, fmt.Errorf("scan record: %w", err)
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			return RecordRow{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	rec.IndexedAt = time.Unix(indexedAt, 0).UTC()
	return rec, nil
}
