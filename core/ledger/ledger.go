package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	coreerrors "github.com/davidahmann/tether/core/errors"
	"github.com/davidahmann/tether/core/fsx"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
)

// GenesisDigest is the previous-hash sentinel for an empty ledger. It is
// applied identically on append and on validation: the first chain entry
// is SHA256(GenesisDigest ++ leaf[0]) with no special case.
var GenesisDigest = strings.Repeat("0", 64)

var digestPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Ledger is the append-only hash chain handle. The in-memory chain is a
// single-writer resource: the mutex serializes read-tail, compute, append
// and persist so racing writers cannot fork the chain. The chain is never
// rewritten or truncated, only appended to.
type Ledger struct {
	mu          sync.Mutex
	path        string
	chain       []string
	lastUpdated time.Time
}

// Open loads the ledger document wholesale, or starts an empty ledger if
// the file does not exist yet.
func Open(path string) (*Ledger, error) {
	ledger := &Ledger{path: path, chain: []string{}}
	// #nosec G304 -- ledger path is explicit local user input.
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ledger, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("read ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_read_failed", "check ledger file permissions", true)
	}
	var doc schemarecord.LedgerDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("parse ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_parse_failed", "the ledger document is not valid JSON", false)
	}
	for index, entry := range doc.Chain {
		if !digestPattern.MatchString(entry) {
			return nil, coreerrors.Wrap(fmt.Errorf("ledger entry %d is not a well-formed hash", index), coreerrors.CategoryChainBroken, "ledger_entry_malformed", "restore the ledger from a trusted copy", false)
		}
	}
	ledger.chain = append(ledger.chain, doc.Chain...)
	ledger.lastUpdated = doc.LastUpdated.UTC()
	return ledger, nil
}

// Path returns the durable storage path backing this ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Tail returns the current chain tail, or the genesis sentinel when the
// ledger is empty.
func (l *Ledger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLocked()
}

func (l *Ledger) tailLocked() string {
	if len(l.chain) == 0 {
		return GenesisDigest
	}
	return l.chain[len(l.chain)-1]
}

// Chain returns a read-only copy of the stored chain.
func (l *Ledger) Chain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.chain...)
}

// Len returns the number of accepted records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chain)
}

// LastUpdated returns the persisted last_updated timestamp.
func (l *Ledger) LastUpdated() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdated
}

// VerifyChain is the structural self-check: every stored value must be a
// well-formed 64-hex digest. Full recomputation from source records is
// Audit, the more expensive operation.
func (l *Ledger) VerifyChain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	problems := []string{}
	for index, entry := range l.chain {
		if !digestPattern.MatchString(entry) {
			problems = append(problems, fmt.Sprintf("entry %d is not a well-formed sha256 hex digest", index))
		}
	}
	return problems
}

// Audit recomputes the chain from source records and compares it with the
// stored chain entry by entry.
func (l *Ledger) Audit(records []schemarecord.MemoryRecord) []string {
	stored := l.Chain()
	problems := []string{}
	if len(records) != len(stored) {
		problems = append(problems, fmt.Sprintf("record count %d does not match chain length %d", len(records), len(stored)))
	}
	prev := GenesisDigest
	for index, rec := range records {
		if index >= len(stored) {
			break
		}
		leaf, err := LeafDigest(rec)
		if err != nil {
			problems = append(problems, fmt.Sprintf("record %d: leaf recompute failed: %v", index, err))
			continue
		}
		expected := ChainDigest(prev, leaf)
		if expected != stored[index] {
			problems = append(problems, fmt.Sprintf("record %d: chain mismatch (expected %s, stored %s)", index, expected, stored[index]))
		}
		prev = stored[index]
	}
	return problems
}

// appendLocked appends one chain entry and persists the document. On
// persist failure the in-memory append is rolled back so memory and
// durable storage never diverge.
func (l *Ledger) appendLocked(chainHash string) error {
	l.chain = append(l.chain, chainHash)
	previousUpdated := l.lastUpdated
	l.lastUpdated = time.Now().UTC()
	if err := l.persistLocked(); err != nil {
		l.chain = l.chain[:len(l.chain)-1]
		l.lastUpdated = previousUpdated
		return coreerrors.Wrap(fmt.Errorf("persist ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_persist_failed", "the append was rolled back; retry after fixing storage", true)
	}
	return nil
}

func (l *Ledger) persistLocked() error {
	doc := schemarecord.LedgerDocument{
		LastUpdated: l.lastUpdated,
		Chain:       l.chain,
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	encoded = append(encoded, '\n')
	return fsx.WriteFileAtomic(l.path, encoded, 0o600)
}

// Flush rewrites the ledger document from current in-memory state.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastUpdated.IsZero() {
		l.lastUpdated = time.Now().UTC()
	}
	return l.persistLocked()
}

// LeafDigest computes the canonical digest of a record with the three
// ledger-linkage fields stripped.
func LeafDigest(rec schemarecord.MemoryRecord) (string, error) {
	stripped := rec
	stripped.LeafSHA256 = ""
	stripped.PrevChainSHA256 = ""
	stripped.ChainSHA256 = ""
	return digestValue(stripped)
}

// ChainDigest links a leaf into the chain: SHA256(prev ++ leaf) over the
// concatenated hex strings.
func ChainDigest(prevChain, leaf string) string {
	sum := sha256.Sum256([]byte(prevChain + leaf))
	return hex.EncodeToString(sum[:])
}
