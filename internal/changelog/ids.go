package changelog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator allocates change IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 change IDs.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs in order, for deterministic tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined ID.
// Panics when all IDs are consumed; a test asked for more changes than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Clock supplies wall-clock time for change timestamps and sync checkpoints.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Millis converts t to epoch milliseconds, the unit used for every stored time.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// cidNamespace scopes derived contact IDs so they never collide with
// randomly generated UUIDs from other namespaces.
var cidNamespace = uuid.MustParse("6f1b2c3e-8d4a-5b7c-9e0f-a1b2c3d4e5f6")

// DeriveCID maps a native-provider contact ID into the stable CID space.
// The same (instance, native ID) pair always yields the same CID, on every
// device, so the replica and the native provider can be diffed without a
// lookup table.
func DeriveCID(instanceNumber, nativeContactID string) string {
	return uuid.NewSHA1(cidNamespace, []byte(instanceNumber+"|"+nativeContactID)).String()
}

// NewCID returns a random CID for contacts created inside the app rather
// than imported from the native provider.
func NewCID() string {
	return uuid.NewString()
}
