package identifier

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	// CodeLength is the hex length of a ticket code (SHA-256 digest).
	CodeLength = 64
	// PINLength is the number of digits in an access PIN.
	PINLength = 6

	seedBytes  = 32
	tokenBytes = 32
)

var pinSpace = big.NewInt(1_000_000)

// GenerationError reports that the entropy source could not be read.
// Issuance must fail instead of degrading to a weaker source.
type GenerationError struct {
	Field string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: entropy source unavailable: %v", e.Field, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Identifiers are the three credentials bound to a ticket at issuance.
type Identifiers struct {
	Code           string
	UniqueURLToken string
	PIN            string
}

// Generator issues ticket identifiers. It is stateless apart from its
// entropy source and safe for concurrent use.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator reading from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithSource is used by tests to inject a failing or fixed source.
func NewGeneratorWithSource(r io.Reader) *Generator {
	return &Generator{entropy: r}
}

// Issue produces a fresh code, URL token and PIN, each drawn independently.
func (g *Generator) Issue(userID, eventID string, at time.Time) (Identifiers, error) {
	code, err := g.NewCode(userID, eventID, at)
	if err != nil {
		return Identifiers{}, err
	}
	token, err := g.NewURLToken()
	if err != nil {
		return Identifiers{}, err
	}
	pin, err := g.NewPIN()
	if err != nil {
		return Identifiers{}, err
	}
	return Identifiers{Code: code, UniqueURLToken: token, PIN: pin}, nil
}

// NewCode hashes a random seed together with the issuance context.
func (g *Generator) NewCode(userID, eventID string, at time.Time) (string, error) {
	seed := make([]byte, seedBytes)
	if _, err := io.ReadFull(g.entropy, seed); err != nil {
		return "", &GenerationError{Field: "code", Err: err}
	}

	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	h.Write(ts[:])

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewURLToken returns 256 bits of URL-safe randomness, unrelated to the code.
func (g *Generator) NewURLToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(g.entropy, b); err != nil {
		return "", &GenerationError{Field: "unique_url_token", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewPIN draws a uniformly distributed 6-digit PIN.
func (g *Generator) NewPIN() (string, error) {
	n, err := rand.Int(g.entropy, pinSpace)
	if err != nil {
		return "", &GenerationError{Field: "access_pin", Err: err}
	}
	return fmt.Sprintf("%0*d", PINLength, n.Int64()), nil
}

// IsCode reports whether s has the shape of a ticket code.
func IsCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// IsPIN reports whether s has the shape of an access PIN.
func IsPIN(s string) bool {
	if len(s) != PINLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
