package coordinator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Token identifies one subscriber of one document. Tokens are opaque.
type Token string

// TokenGenerator issues subscriber tokens.
// Implemented by UUIDv7Generator (production) and SequenceGenerator
// (deterministic runs).
type TokenGenerator interface {
	Generate() Token
}

// UUIDv7Generator issues time-sortable UUIDv7 tokens.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() Token {
	return Token(uuid.Must(uuid.NewV7()).String())
}

// SequenceGenerator issues "<prefix>-1", "<prefix>-2", ... in order.
// Used by the scenario harness so traces are byte-identical across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix becomes "sub".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "sub"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next token in the sequence.
func (g *SequenceGenerator) Generate() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return Token(fmt.Sprintf("%s-%d", g.prefix, g.n))
}
