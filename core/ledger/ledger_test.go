package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

func testEmbedding(dim int) []float64 {
	embedding := make([]float64, dim)
	for index := range embedding {
		embedding[index] = float64(index%7) * 0.25
	}
	return embedding
}

func testRecordOptions(raw string) CreateRecordOptions {
	return CreateRecordOptions{
		Raw:        raw,
		Embedding:  testEmbedding(384),
		EmbedModel: "minilm:v2.1",
		Consent:    "self",
		Tags:       []string{"test"},
		Now:        time.Date(2026, time.April, 2, 12, 0, 0, 0, time.UTC),
	}
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	handle, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return handle
}

func TestEmptyLedgerTailIsGenesis(t *testing.T) {
	handle := openTestLedger(t)
	if handle.Tail() != GenesisDigest {
		t.Fatalf("expected genesis tail, got %s", handle.Tail())
	}
	if handle.Len() != 0 {
		t.Fatalf("expected empty chain")
	}
}

func TestFirstAppendUsesGenesisConvention(t *testing.T) {
	handle := openTestLedger(t)
	rec, result, err := handle.Ingest(testRecordOptions("first memory"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Valid || !result.ChainUpdated {
		t.Fatalf("expected accepted record, errors: %v", result.Errors)
	}
	if rec.PrevChainSHA256 != GenesisDigest {
		t.Fatalf("first record must link against the genesis sentinel")
	}
	if rec.ChainSHA256 != ChainDigest(GenesisDigest, rec.LeafSHA256) {
		t.Fatalf("chain[0] must be SHA256(genesis ++ leaf)")
	}
	if rec.ChainSHA256 == rec.LeafSHA256 {
		t.Fatalf("chain[0] must not collapse to the leaf hash")
	}
}

func TestChainContinuity(t *testing.T) {
	handle := openTestLedger(t)
	raws := []string{"one", "two", "three", "four"}
	records := make([]schemarecord.MemoryRecord, 0, len(raws))
	for _, raw := range raws {
		rec, result, err := handle.Ingest(testRecordOptions(raw))
		if err != nil {
			t.Fatalf("ingest %q: %v", raw, err)
		}
		if !result.Valid {
			t.Fatalf("ingest %q rejected: %v", raw, result.Errors)
		}
		records = append(records, rec)
	}
	chain := handle.Chain()
	if len(chain) != len(raws) {
		t.Fatalf("expected %d chain entries, got %d", len(raws), len(chain))
	}
	prev := GenesisDigest
	for index, rec := range records {
		leaf, err := LeafDigest(rec)
		if err != nil {
			t.Fatalf("leaf digest: %v", err)
		}
		if chain[index] != ChainDigest(prev, leaf) {
			t.Fatalf("chain[%d] does not commit to prior entries", index)
		}
		prev = chain[index]
	}
	if problems := handle.Audit(records); len(problems) > 0 {
		t.Fatalf("audit problems: %v", problems)
	}
}

func TestReplayReproducesIdenticalChain(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := Open(filepath.Join(dir, "b.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var records []schemarecord.MemoryRecord
	for _, raw := range []string{"alpha", "beta", "gamma"} {
		rec, result, err := first.Ingest(testRecordOptions(raw))
		if err != nil || !result.Valid {
			t.Fatalf("first ingest %q: err=%v errors=%v", raw, err, result.Errors)
		}
		records = append(records, rec)
	}
	for _, rec := range records {
		result, err := second.ValidateRecord(rec)
		if err != nil {
			t.Fatalf("replay validate: %v", err)
		}
		if !result.Valid {
			t.Fatalf("replay rejected: %v", result.Errors)
		}
	}
	firstChain := first.Chain()
	secondChain := second.Chain()
	for index := range firstChain {
		if firstChain[index] != secondChain[index] {
			t.Fatalf("replay diverged at %d", index)
		}
	}
}

func TestLedgerPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	handle, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, result, err := handle.Ingest(testRecordOptions("durable")); err != nil || !result.Valid {
		t.Fatalf("ingest: err=%v", err)
	}
	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", reloaded.Len())
	}
	if reloaded.Tail() != handle.Tail() {
		t.Fatalf("tail changed across reload")
	}
}

func TestEmbeddingLengthMismatchRejected(t *testing.T) {
	handle := openTestLedger(t)
	rec, err := handle.CreateRecord(testRecordOptions("mismatch"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.EmbedDim = 384
	rec.Embedding = testEmbedding(300)
	// Re-link so only the embedding error is exercised.
	leaf, err := LeafDigest(rec)
	if err != nil {
		t.Fatalf("leaf: %v", err)
	}
	rec.LeafSHA256 = leaf
	rec.ChainSHA256 = ChainDigest(rec.PrevChainSHA256, leaf)

	result, err := handle.ValidateRecord(rec)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid || result.ChainUpdated {
		t.Fatalf("expected rejection without append")
	}
	found := false
	for _, message := range result.Errors {
		if strings.Contains(message, "embedding length") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected embedding-length error, got %v", result.Errors)
	}
	if handle.Len() != 0 {
		t.Fatalf("rejected record must not be appended")
	}
}

func TestTamperedRawRejected(t *testing.T) {
	handle := openTestLedger(t)
	rec, err := handle.CreateRecord(testRecordOptions("original text"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Raw = "tampered text"
	result, err := handle.ValidateRecord(rec)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("tampered raw must be rejected")
	}
	foundRaw := false
	foundLeaf := false
	for _, message := range result.Errors {
		if strings.Contains(message, "raw_sha256") {
			foundRaw = true
		}
		if strings.Contains(message, "leaf_sha256") {
			foundLeaf = true
		}
	}
	if !foundRaw || !foundLeaf {
		t.Fatalf("expected raw and leaf hash errors, got %v", result.Errors)
	}
}

func TestStaleTailRejected(t *testing.T) {
	handle := openTestLedger(t)
	stale, err := handle.CreateRecord(testRecordOptions("created early"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, result, err := handle.Ingest(testRecordOptions("wins the race")); err != nil || !result.Valid {
		t.Fatalf("ingest: err=%v", err)
	}
	result, err := handle.ValidateRecord(stale)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("stale prev_chain_sha256 must be rejected")
	}
	if handle.Len() != 1 {
		t.Fatalf("ledger must be untouched by the refused append")
	}
}

func TestConcurrentIngestTotalOrder(t *testing.T) {
	handle := openTestLedger(t)
	const writers = 8
	var wg sync.WaitGroup
	accepted := make(chan bool, writers)
	for worker := 0; worker < writers; worker++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, result, err := handle.Ingest(testRecordOptions(strings.Repeat("x", n+1)))
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			accepted <- result.Valid
		}(worker)
	}
	wg.Wait()
	close(accepted)
	total := 0
	for ok := range accepted {
		if ok {
			total++
		}
	}
	// Racing writers may lose the tail race, but the chain never forks:
	// accepted count equals chain length and the audit trail is linear.
	if total != handle.Len() {
		t.Fatalf("accepted %d but chain has %d entries", total, handle.Len())
	}
	if problems := handle.VerifyChain(); len(problems) > 0 {
		t.Fatalf("structural problems: %v", problems)
	}
}

func TestCreatedTSFormat(t *testing.T) {
	handle := openTestLedger(t)
	rec, err := handle.CreateRecord(testRecordOptions("timestamp check"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CreatedTS != "2026-04-02T12:00:00Z" {
		t.Fatalf("unexpected created_ts: %s", rec.CreatedTS)
	}
	if !createdTSPattern.MatchString(rec.CreatedTS) {
		t.Fatalf("created_ts must match the strict layout")
	}
}

func TestOpenRejectsMalformedChainEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	doc := `{"last_updated":"2026-01-01T00:00:00Z","chain":["nothex"]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected error for malformed chain entry")
	}
}

func TestBatchRoundTripAndIngest(t *testing.T) {
	dir := t.TempDir()
	producer, err := Open(filepath.Join(dir, "producer.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var records []schemarecord.MemoryRecord
	for _, raw := range []string{"batch one", "batch two"} {
		rec, result, err := producer.Ingest(testRecordOptions(raw))
		if err != nil || !result.Valid {
			t.Fatalf("ingest %q: err=%v", raw, err)
		}
		records = append(records, rec)
	}
	batchPath := filepath.Join(dir, "batch.json")
	if err := WriteBatch(batchPath, "aria", records, time.Now().UTC()); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	batch, err := ReadBatch(batchPath)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if batch.RecordCount != 2 || batch.InstanceName != "aria" {
		t.Fatalf("unexpected batch header: %+v", batch)
	}

	consumer, err := Open(filepath.Join(dir, "consumer.json"))
	if err != nil {
		t.Fatalf("open consumer: %v", err)
	}
	outcome, err := consumer.IngestBatch(batch)
	if err != nil {
		t.Fatalf("ingest batch: %v", err)
	}
	if outcome.Accepted != 2 || outcome.Rejected != 0 {
		t.Fatalf("expected 2 accepted, got %+v", outcome)
	}
}

func TestBatchStopsOnChainError(t *testing.T) {
	dir := t.TempDir()
	producer, err := Open(filepath.Join(dir, "producer.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var records []schemarecord.MemoryRecord
	for _, raw := range []string{"one", "two", "three"} {
		rec, result, err := producer.Ingest(testRecordOptions(raw))
		if err != nil || !result.Valid {
			t.Fatalf("ingest: err=%v", err)
		}
		records = append(records, rec)
	}
	// Drop the first record: every later record links against a tail the
	// consumer never reaches.
	batch := schemarecord.Batch{
		InstanceName: "aria",
		CreatedAt:    time.Now().UTC(),
		RecordCount:  2,
		Records:      records[1:],
	}
	consumer, err := Open(filepath.Join(dir, "consumer.json"))
	if err != nil {
		t.Fatalf("open consumer: %v", err)
	}
	outcome, err := consumer.IngestBatch(batch)
	if err != nil {
		t.Fatalf("ingest batch: %v", err)
	}
	if outcome.Accepted != 0 {
		t.Fatalf("expected no accepted records, got %d", outcome.Accepted)
	}
	if len(outcome.Results) != 1 {
		t.Fatalf("batch must stop at the first chain error, got %d results", len(outcome.Results))
	}
}

func TestMalformedHashFieldErrorsAreOrdered(t *testing.T) {
	handle := openTestLedger(t)
	rec, err := handle.CreateRecord(testRecordOptions("ordered errors"))
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	rec.RawSHA256 = "xyz"
	rec.ChainSHA256 = "XYZ"

	want := []string{
		"raw_sha256 must be 64 lowercase hex characters",
		"chain_sha256 must be 64 lowercase hex characters",
	}
	for attempt := 0; attempt < 5; attempt++ {
		errs := checkPatterns(rec)
		if len(errs) != len(want) {
			t.Fatalf("expected %d pattern errors, got %v", len(want), errs)
		}
		for index := range want {
			if errs[index] != want[index] {
				t.Fatalf("attempt %d: error %d = %q, want %q", attempt, index, errs[index], want[index])
			}
		}
	}
}
