// Package hash implements the dual hash-algorithm capability the
// protocol requires: SHA-1 for legacy artifact names, SHA-3-256 for
// current ones, selected by the length of the name (spec.md §3, §4.C,
// §6). This mirrors the length-dispatch exfer.c performs in
// hname_verify_hash, used by both check_tail_hash and check_login.
package hash

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// Algo identifies a supported hash algorithm.
type Algo int

const (
	// SHA1 is the legacy 40-hex-character algorithm.
	SHA1 Algo = iota
	// SHA3_256 is the current 64-hex-character algorithm.
	SHA3_256
)

// ErrUnknownLength is returned when a name's length selects neither
// supported algorithm.
var ErrUnknownLength = errors.New("name length selects no known hash algorithm")

// AlgoForNameLen returns the Algo whose digest-hex length equals n.
func AlgoForNameLen(n int) (Algo, error) {
	switch n {
	case 40:
		return SHA1, nil
	case 64:
		return SHA3_256, nil
	default:
		return 0, errors.Wrapf(ErrUnknownLength, "length %d", n)
	}
}

// OneShot computes the hex digest of the concatenation of parts under
// algo.
func OneShot(algo Algo, parts ...[]byte) string {
	switch algo {
	case SHA1:
		h := sha1.New()
		for _, p := range parts {
			h.Write(p)
		}
		return hex.EncodeToString(h.Sum(nil))
	case SHA3_256:
		h := sha3.New256()
		for _, p := range parts {
			h.Write(p)
		}
		return hex.EncodeToString(h.Sum(nil))
	default:
		panic("hash: unknown algo")
	}
}

// Verify reports whether hash(content) == name, deriving the algorithm
// from len(name).
func Verify(content []byte, name string) (bool, error) {
	algo, err := AlgoForNameLen(len(name))
	if err != nil {
		return false, err
	}
	return OneShot(algo, content) == name, nil
}
