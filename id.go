package airdrop

import (
	"io"
	"math/big"

	"github.com/google/uuid"
)

// MaxIDLength bounds identifiers accepted from locators.
const MaxIDLength = 64

// IDGenerator produces opaque bundle identifiers.
type IDGenerator interface {
	Generate() string
}

// RandomIDs generates identifiers from 122 random bits (a version 4 UUID)
// rendered in lowercase base36. Uniqueness is probabilistic; the store
// checks for an existing record before using a generated id.
type RandomIDs struct {
	rand io.Reader
}

// NewRandomIDs returns a generator reading from r. A nil reader uses the
// crypto/rand source behind uuid.New.
func NewRandomIDs(r io.Reader) *RandomIDs {
	return &RandomIDs{rand: r}
}

// Generate returns a new identifier.
func (g *RandomIDs) Generate() string {
	u := uuid.New()
	if g != nil && g.rand != nil {
		if ru, err := uuid.NewRandomFromReader(g.rand); err == nil {
			u = ru
		}
	}
	return new(big.Int).SetBytes(u[:]).Text(36)
}

// NewID returns an identifier from the default random generator.
func NewID() string {
	return (*RandomIDs)(nil).Generate()
}

// ValidID reports whether id is a well-formed identifier: 1 to MaxIDLength
// characters from [0-9a-z]. Only valid ids are ever used as storage keys.
func ValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
