package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/tether/core/fsx"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

const maxBatchBytes = int64(64 * 1024 * 1024)

// WriteBatch persists an ordered record sequence with its header.
func WriteBatch(path string, instanceName string, records []schemarecord.MemoryRecord, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	batch := schemarecord.Batch{
		InstanceName: strings.TrimSpace(instanceName),
		CreatedAt:    now.UTC(),
		RecordCount:  len(records),
		Records:      records,
	}
	encoded, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	encoded = append(encoded, '\n')
	return fsx.WriteFileAtomic(path, encoded, 0o600)
}

// ReadBatch loads a batch file and checks the header against its records.
func ReadBatch(path string) (schemarecord.Batch, error) {
	info, err := os.Stat(path)
	if err != nil {
		return schemarecord.Batch{}, fmt.Errorf("stat batch: %w", err)
	}
	if info.Size() > maxBatchBytes {
		return schemarecord.Batch{}, fmt.Errorf("batch exceeds size limit (%d bytes)", maxBatchBytes)
	}
	// #nosec G304 -- batch path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return schemarecord.Batch{}, fmt.Errorf("read batch: %w", err)
	}
	var batch schemarecord.Batch
	if err := json.Unmarshal(content, &batch); err != nil {
		return schemarecord.Batch{}, fmt.Errorf("parse batch: %w", err)
	}
	if batch.RecordCount != len(batch.Records) {
		return schemarecord.Batch{}, fmt.Errorf("batch header record_count %d does not match %d records", batch.RecordCount, len(batch.Records))
	}
	return batch, nil
}

// BatchResult reports per-record outcomes of a batch ingest.
type BatchResult struct {
	Accepted int                             `json:"accepted"`
	Rejected int                             `json:"rejected"`
	Results  []schemarecord.ValidationResult `json:"results"`
}

// IngestBatch validates records in order, appending each accepted record.
// The batch stops at the first chain-linkage failure, since every later
// record was linked against a tail that no longer matches.
func (l *Ledger) IngestBatch(batch schemarecord.Batch) (BatchResult, error) {
	output := BatchResult{Results: []schemarecord.ValidationResult{}}
	for _, rec := range batch.Records {
		result, err := l.ValidateRecord(rec)
		if err != nil {
			return BatchResult{}, err
		}
		output.Results = append(output.Results, result)
		if result.Valid {
			output.Accepted++
			continue
		}
		output.Rejected++
		if hasChainError(result.Errors) {
			break
		}
	}
	return output, nil
}

func hasChainError(errs []string) bool {
	for _, message := range errs {
		if strings.Contains(message, "prev_chain_sha256") || strings.Contains(message, "chain_sha256") {
			return true
		}
	}
	return false
}
