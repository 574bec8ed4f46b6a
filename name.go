// Package xfer implements the artifact-synchronization protocol: the
// line-oriented wire grammar, the server-side handler, the client-side
// driver, and the send/receive engines that gossip, transfer, and verify
// content-addressed artifacts between two peers.
package xfer

import (
	"strings"

	"github.com/pkg/errors"
)

// Name is an artifact's content name: the hex-encoded hash of its bytes.
// Its length selects the hash algorithm — 40 hex characters for SHA-1,
// 64 for SHA-3-256 (see package xfer/hash).
type Name string

// ErrBadName is returned when a string cannot be parsed as a Name.
var ErrBadName = errors.New("malformed artifact name")

// ParseName validates s as an artifact name and returns it as a Name.
func ParseName(s string) (Name, error) {
	switch len(s) {
	case 40, 64:
	default:
		return "", errors.Wrapf(ErrBadName, "length %d", len(s))
	}
	for _, c := range s {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return "", errors.Wrapf(ErrBadName, "non-hex character %q", c)
		}
	}
	return Name(strings.ToLower(s)), nil
}

// String implements fmt.Stringer.
func (n Name) String() string { return string(n) }

// IsZero reports whether n is the empty Name.
func (n Name) IsZero() bool { return n == "" }

// Less orders names lexicographically.
func (n Name) Less(other Name) bool { return n < other }

// Blob is the raw content of an artifact.
type Blob []byte

// ID is a Store's opaque local identifier for a resolved name.
// The wire protocol never transmits IDs; they exist only for a Store's
// own bookkeeping within a session.
type ID int64

// Zero is the ID value meaning "no such artifact."
const Zero ID = 0
