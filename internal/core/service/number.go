package service

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const purchaseNumberPrefix = "PB"

// NumberGenerator produces human-facing purchase numbers. Uniqueness is
// enforced by the purchase ledger; a generator only has to make collisions
// rare.
type NumberGenerator interface {
	Next() string
}

// TokenGenerator builds numbers from the creation date and a random UUID
// fragment, e.g. PB20260118-3F9A0C11D2.
type TokenGenerator struct {
	Now func() time.Time
}

func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{Now: time.Now}
}

func (g *TokenGenerator) Next() string {
	id := uuid.New()
	token := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:10]
	return fmt.Sprintf("%s%s-%s", purchaseNumberPrefix, g.Now().UTC().Format("20060102"), token)
}

// SequenceGenerator provides monotonically increasing purchase numbers.
type SequenceGenerator struct{ n atomic.Uint64 }

// NewSequenceGenerator returns a generator whose first number is start+1.
func NewSequenceGenerator(start uint64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.n.Store(start)
	return g
}

func (g *SequenceGenerator) Next() string {
	return fmt.Sprintf("%s%08d", purchaseNumberPrefix, g.n.Add(1))
}
