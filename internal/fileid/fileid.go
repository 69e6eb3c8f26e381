// Package fileid generates and validates the opaque identifiers used across
// the service: per-upload file IDs, conflict IDs, and stable client IDs.
package fileid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Length is the character length of a file or conflict identifier:
// 16 lowercase hex characters (8 random bytes).
const Length = 16

// clientNamespace is the UUID namespace for deriving client IDs from
// user-supplied names. Fixed so the same name always yields the same ID.
var clientNamespace = uuid.MustParse("7f1a6b58-3c9e-4d2a-9f0b-2e8c5d4a1b3c")

// New returns a fresh random identifier: 16 lowercase hex characters.
// Distinct calls return distinct IDs except with negligible probability.
func New() string {
	var b [Length / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does, the
		// process cannot safely mint identifiers at all.
		panic(fmt.Sprintf("fileid: reading random bytes: %v", err))
	}

	return hex.EncodeToString(b[:])
}

// Valid reports whether s is a well-formed identifier: exactly 16
// lowercase hex characters.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}

	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// ClientID derives a stable client identifier from a user-supplied name.
// The same name always maps to the same ID, so a client keeps its identity
// across restarts without persisting anything. The result is the first 16
// hex characters of a name-based (SHA-1) UUID.
func ClientID(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("fileid: client name must not be empty")
	}

	u := uuid.NewSHA1(clientNamespace, []byte(name))

	return strings.ReplaceAll(u.String(), "-", "")[:Length], nil
}
