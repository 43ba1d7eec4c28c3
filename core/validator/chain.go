package validator

import (
	"sync"

	"github.com/davidahmann/tether/core/ledger"
)

// merkleChain is the validator-local admission chain. It is built the
// same way as the record ledger (chain[i] = H(chain[i-1] ++ leaf[i]),
// genesis sentinel included) but lives only for the validator's lifetime
// and never touches durable storage.
type merkleChain struct {
	mu     sync.Mutex
	hashes []string
}

func newMerkleChain() *merkleChain {
	return &merkleChain{hashes: []string{}}
}

func (c *merkleChain) admit(leaf string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := ledger.GenesisDigest
	if len(c.hashes) > 0 {
		prev = c.hashes[len(c.hashes)-1]
	}
	linked := ledger.ChainDigest(prev, leaf)
	c.hashes = append(c.hashes, linked)
	return linked
}

func (c *merkleChain) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.hashes...)
}
