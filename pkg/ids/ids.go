// Package ids generates and validates the two identifier kinds the service
// hands out: UUID v4 for sessions and files, and the 6-character retrieval
// code that addresses a sealed chest.
package ids

import (
	"crypto/rand"
	"math/big"
	"regexp"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CodeLength is the length of a retrieval code.
const CodeLength = 6

// codeAlphabet is the 36-symbol alphabet retrieval codes draw from.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	uuidRegex = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	codeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

// NewUUID returns a new UUID v4 from a cryptographic RNG.
func NewUUID() string {
	return uuid.NewString()
}

// IsUUID reports whether s is a well-formed UUID v4, case-insensitive.
func IsUUID(s string) bool {
	return uuidRegex.MatchString(s)
}

// NewRetrievalCode draws CodeLength independent symbols from the code
// alphabet using a cryptographic RNG. Codes are public capability handles,
// so math/rand is not good enough here.
func NewRetrievalCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "ids: error reading random source")
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// IsRetrievalCode reports whether s is a well-formed retrieval code.
func IsRetrievalCode(s string) bool {
	return codeRegex.MatchString(s)
}
