package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates "<prefix>-000001", "<prefix>-000002", ...
//
// Unlike changelog.FixedGenerator it never runs out, which suits scenarios
// whose change count is not known up front. Identical runs produce
// identical IDs, so golden snapshots stay byte-stable.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix yields "change".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "change"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID. Implements changelog.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
