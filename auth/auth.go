// Package auth implements login-card validation (spec.md §4.C): the
// tail hash over the remainder of a request, the nonce+shared-secret
// signature check, the legacy cleartext-password fallback, and the
// constant-time comparison both checks require. It is a close
// translation of exfer.c's check_tail_hash and check_login.
package auth

import (
	"crypto/subtle"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/hash"
)

// ErrLoginFailed is returned for any login-card validation failure:
// tail-hash mismatch, unknown user, or signature mismatch (both the
// primary and legacy-fallback attempts).
var ErrLoginFailed = errors.New("login failed")

// Capabilities is the set of operations a logged-in user may perform.
type Capabilities struct {
	Read  bool
	Write bool
	Clone bool
}

// Anonymous is granted to "anonymous" and "nobody" logins without any
// signature check (spec.md §4.C.2).
var Anonymous = Capabilities{Read: true}

// CredentialLookup resolves a username to its stored password hash/
// cleartext and capability string. It must reject the reserved names
// anonymous, nobody, developer, and reader (spec.md §4.C.2) by
// returning ErrNoSuchUser for them; callers never need to special-case
// those names beyond routing anonymous/nobody to Anonymous first.
type CredentialLookup func(user string) (pw string, caps Capabilities, err error)

// ErrNoSuchUser is returned by a CredentialLookup for an unknown or
// reserved username.
var ErrNoSuchUser = errors.New("no such user")

var reservedLogins = map[string]bool{
	"anonymous": true,
	"nobody":    true,
	"developer": true,
	"reader":    true,
}

// CheckTailHash verifies that nonce equals hash(tail), where tail is
// everything in the request after the login card's line. The algorithm
// is selected by len(nonce): 40 chars -> SHA-1, 64 -> SHA-3-256.
func CheckTailHash(nonce string, tail []byte) error {
	algo, err := hash.AlgoForNameLen(len(nonce))
	if err != nil {
		return errors.Wrap(ErrLoginFailed, err.Error())
	}
	want := hash.OneShot(algo, tail)
	if !ConstantTimeEqual(want, nonce) {
		return errors.Wrap(ErrLoginFailed, "tail hash mismatch")
	}
	return nil
}

// CheckLogin validates a login card's USER/NONCE/SIG triple against a
// credential lookup, returning the granted capabilities on success.
//
//   - "anonymous" and "nobody" are accepted unconditionally, with
//     Anonymous capabilities (spec.md §4.C.2).
//   - Otherwise pw/caps are fetched via lookup; SIG is checked against
//     hash(NONCE||pw) using the algorithm nonce's length selects.
//   - If that fails and len(pw) != 40 (the stored credential isn't
//     itself a SHA-1 hash, i.e. the server is storing cleartext), a
//     second attempt is made against a legacy-derived secret.
//
// Both comparisons go through ConstantTimeEqual, matching exfer.c's use
// of a single blob_constant_time_cmp at both of its call sites.
func CheckLogin(user, nonce, sig string, lookup CredentialLookup, legacyDerive func(pw, user string) string) (Capabilities, error) {
	if user == "anonymous" || user == "nobody" {
		return Anonymous, nil
	}
	if reservedLogins[user] {
		return Capabilities{}, errors.Wrap(ErrLoginFailed, "reserved login name")
	}

	algo, err := hash.AlgoForNameLen(len(nonce))
	if err != nil {
		return Capabilities{}, errors.Wrap(ErrLoginFailed, err.Error())
	}

	pw, caps, err := lookup(user)
	if err != nil {
		return Capabilities{}, errors.Wrap(ErrLoginFailed, "unknown user")
	}

	want := hash.OneShot(algo, []byte(nonce), []byte(pw))
	if ConstantTimeEqual(want, sig) {
		return caps, nil
	}

	if len(pw) != 40 && legacyDerive != nil {
		secret := legacyDerive(pw, user)
		want = hash.OneShot(algo, []byte(nonce), []byte(secret))
		if ConstantTimeEqual(want, sig) {
			return caps, nil
		}
	}

	return Capabilities{}, ErrLoginFailed
}

// ConstantTimeEqual compares two strings without short-circuiting on
// the first mismatching byte, so login failures can't be timed to leak
// information about where a guess diverges from the real signature.
// Strings of unequal length return false at once, so the length
// itself is not hidden; only equal-length strings go through the
// constant-time byte comparison.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
