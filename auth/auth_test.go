package auth

import (
	"testing"

	"github.com/relaysync/xfer/hash"
)

func TestCheckTailHash(t *testing.T) {
	tail := []byte("push clone_seqno 1\nfile deadbeef 5 0\nhello")
	nonce := hash.OneShot(hash.SHA3_256, tail)

	if err := CheckTailHash(nonce, tail); err != nil {
		t.Fatalf("CheckTailHash: %v", err)
	}

	if err := CheckTailHash(nonce, []byte("a different tail")); err == nil {
		t.Fatal("CheckTailHash accepted a mismatched tail")
	}

	if err := CheckTailHash("too-short", tail); err == nil {
		t.Fatal("CheckTailHash accepted a nonce of unknown length")
	}
}

func TestCheckLoginAnonymous(t *testing.T) {
	for _, user := range []string{"anonymous", "nobody"} {
		caps, err := CheckLogin(user, "", "", nil, nil)
		if err != nil {
			t.Fatalf("CheckLogin(%s): %v", user, err)
		}
		if caps != Anonymous {
			t.Fatalf("CheckLogin(%s) caps = %v, want %v", user, caps, Anonymous)
		}
	}
}

func TestCheckLoginRejectsReservedNames(t *testing.T) {
	for _, user := range []string{"developer", "reader"} {
		if _, err := CheckLogin(user, "nonce", "sig", nil, nil); err == nil {
			t.Fatalf("CheckLogin(%s) unexpectedly succeeded", user)
		}
	}
}

func TestCheckLoginSignatureMatch(t *testing.T) {
	const (
		user = "alice"
		pw   = "alices-password"
	)
	wantCaps := Capabilities{Read: true, Write: true}
	lookup := func(u string) (string, Capabilities, error) {
		if u != user {
			return "", Capabilities{}, ErrNoSuchUser
		}
		return pw, wantCaps, nil
	}

	nonce := "0123456789012345678901234567890123456789012345678901234567890123"[:64]
	sig := hash.OneShot(hash.SHA3_256, []byte(nonce), []byte(pw))

	caps, err := CheckLogin(user, nonce, sig, lookup, nil)
	if err != nil {
		t.Fatalf("CheckLogin: %v", err)
	}
	if caps != wantCaps {
		t.Fatalf("caps = %v, want %v", caps, wantCaps)
	}
}

func TestCheckLoginWrongSignatureFails(t *testing.T) {
	lookup := func(u string) (string, Capabilities, error) {
		return "the-real-password", Capabilities{Read: true}, nil
	}
	nonce := "0123456789012345678901234567890123456789012345678901234567890123"[:64]
	_, err := CheckLogin("alice", nonce, "not-the-right-signature-hex", lookup, nil)
	if err == nil {
		t.Fatal("CheckLogin accepted a wrong signature")
	}
}

func TestCheckLoginLegacyFallback(t *testing.T) {
	const (
		user        = "bob"
		storedPw    = "cleartext-looking-value-not-forty-chars"
		legacyValue = "derived-legacy-secret"
	)
	lookup := func(u string) (string, Capabilities, error) {
		return storedPw, Capabilities{Read: true}, nil
	}
	legacyDerive := func(pw, u string) string {
		if pw != storedPw || u != user {
			t.Fatalf("legacyDerive called with unexpected pw/user: %q/%q", pw, u)
		}
		return legacyValue
	}

	nonce := "0123456789012345678901234567890123456789012345678901234567890123"[:64]
	sig := hash.OneShot(hash.SHA3_256, []byte(nonce), []byte(legacyValue))

	caps, err := CheckLogin(user, nonce, sig, lookup, legacyDerive)
	if err != nil {
		t.Fatalf("CheckLogin with legacy fallback: %v", err)
	}
	if !caps.Read {
		t.Fatal("expected read capability")
	}
}

func TestCheckLoginUnknownUser(t *testing.T) {
	lookup := func(u string) (string, Capabilities, error) {
		return "", Capabilities{}, ErrNoSuchUser
	}
	nonce := "0123456789012345678901234567890123456789012345678901234567890123"[:64]
	if _, err := CheckLogin("ghost", nonce, "whatever", lookup, nil); err == nil {
		t.Fatal("CheckLogin accepted an unknown user")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("expected equal strings to compare equal")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Error("expected differing strings to compare unequal")
	}
	if ConstantTimeEqual("abc", "ab") {
		t.Error("expected differing-length strings to compare unequal")
	}
}
