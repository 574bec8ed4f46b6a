package mem

import (
	"context"
	"testing"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/hash"
)

func put(ctx context.Context, t *testing.T, s *Store, content []byte, src xfer.ID, private bool) (xfer.ID, xfer.Name) {
	t.Helper()
	name := xfer.Name(hash.OneShot(hash.SHA3_256, content))
	id, err := s.Put(ctx, name, content, src, private)
	if err != nil {
		t.Fatal(err)
	}
	return id, name
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	content := []byte("hello, artifact")
	id, name := put(ctx, t, s, content, xfer.Zero, false)

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}

	state, err := s.StateOf(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if state != xfer.Present {
		t.Fatalf("state = %v, want Present", state)
	}

	resolved, err := s.Resolve(ctx, name, false)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != id {
		t.Fatalf("Resolve returned %d, want %d", resolved, id)
	}
}

func TestResolveCreatesPhantom(t *testing.T) {
	ctx := context.Background()
	s := New()

	name := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("not yet stored")))

	if _, err := s.Resolve(ctx, name, false); err != xfer.ErrNotFound {
		t.Fatalf("Resolve without createPhantom: err = %v, want ErrNotFound", err)
	}

	id, err := s.Resolve(ctx, name, true)
	if err != nil {
		t.Fatal(err)
	}
	state, err := s.StateOf(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if state != xfer.Phantom {
		t.Fatalf("state = %v, want Phantom", state)
	}

	if _, err := s.Get(ctx, id); err != xfer.ErrNotFound {
		t.Fatalf("Get of phantom: err = %v, want ErrNotFound", err)
	}

	// A second resolve of the same name must not mint a new id.
	again, err := s.Resolve(ctx, name, true)
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Fatalf("second Resolve returned %d, want %d", again, id)
	}
}

func TestPhantomFilledBySubsequentPut(t *testing.T) {
	ctx := context.Background()
	s := New()

	content := []byte("arrives late")
	name := xfer.Name(hash.OneShot(hash.SHA3_256, content))

	id, err := s.NewPhantom(ctx, name, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Put(ctx, name, content, xfer.Zero, false); err != nil {
		t.Fatal(err)
	}

	state, err := s.StateOf(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if state != xfer.Present {
		t.Fatalf("state = %v, want Present", state)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestPrivateBit(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, _ := put(ctx, t, s, []byte("secret"), xfer.Zero, true)

	priv, err := s.IsPrivate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !priv {
		t.Fatal("expected private")
	}

	if err := s.MakePublic(ctx, id); err != nil {
		t.Fatal(err)
	}
	priv, err = s.IsPrivate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if priv {
		t.Fatal("expected public after MakePublic")
	}

	if err := s.MakePrivate(ctx, id); err != nil {
		t.Fatal(err)
	}
	priv, err = s.IsPrivate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !priv {
		t.Fatal("expected private after MakePrivate")
	}
}

func TestShun(t *testing.T) {
	ctx := context.Background()
	s := New()

	name := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("unwanted")))

	shunned, err := s.IsShunned(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if shunned {
		t.Fatal("unexpectedly shunned before Shun")
	}

	s.Shun(name)

	shunned, err = s.IsShunned(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if !shunned {
		t.Fatal("expected shunned after Shun")
	}
}

func TestRootsOnlyTracksSourcelessPuts(t *testing.T) {
	ctx := context.Background()
	s := New()

	rootID, _ := put(ctx, t, s, []byte("a root"), xfer.Zero, false)
	childID, _ := put(ctx, t, s, []byte("a delta child"), rootID, false)

	roots, err := s.Roots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0] != rootID {
		t.Fatalf("roots = %v, want [%d]", roots, rootID)
	}
	for _, id := range roots {
		if id == childID {
			t.Fatal("delta child incorrectly reported as a root")
		}
	}
}

func TestNativeDelta(t *testing.T) {
	ctx := context.Background()
	s := New()

	baseID, _ := put(ctx, t, s, []byte("base content"), xfer.Zero, false)

	_, _, ok, err := s.NativeDelta(ctx, baseID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("raw content incorrectly reported as a native delta")
	}

	patch := []byte("pretend patch bytes")
	deltaID, deltaName := put(ctx, t, s, patch, baseID, false)

	src, got, ok, err := s.NativeDelta(ctx, deltaID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected NativeDelta to report ok")
	}
	if src != baseID {
		t.Fatalf("src = %d, want %d", src, baseID)
	}
	if string(got) != string(patch) {
		t.Fatalf("patch = %q, want %q", got, patch)
	}

	name, err := s.NameOf(ctx, deltaID)
	if err != nil {
		t.Fatal(err)
	}
	if name != deltaName {
		t.Fatalf("NameOf = %q, want %q", name, deltaName)
	}
}

func TestEnumerateAllVisitsEveryState(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, presentName := put(ctx, t, s, []byte("present one"), xfer.Zero, false)
	phantomName := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("phantom one")))
	if _, err := s.NewPhantom(ctx, phantomName, false); err != nil {
		t.Fatal(err)
	}

	seen := map[xfer.Name]bool{}
	err := s.EnumerateAll(ctx, func(id xfer.ID, name xfer.Name) error {
		seen[name] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !seen[presentName] || !seen[phantomName] {
		t.Fatalf("seen = %v, want both %q and %q present", seen, presentName, phantomName)
	}
}

func TestBeginWriteRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, keptName := put(ctx, t, s, []byte("before tx"), xfer.Zero, false)

	tx, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Put(ctx, xfer.Name(hash.OneShot(hash.SHA3_256, []byte("during tx"))), []byte("during tx"), xfer.Zero, false); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	addedName := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("during tx")))
	if _, err := s.Resolve(ctx, addedName, false); err != xfer.ErrNotFound {
		t.Fatalf("rolled-back put still resolvable: err = %v", err)
	}
	if _, err := s.Resolve(ctx, keptName, false); err != nil {
		t.Fatalf("pre-tx content lost after rollback: %v", err)
	}
}

func TestBeginWriteCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("committed")
	name := xfer.Name(hash.OneShot(hash.SHA3_256, content))
	if _, err := tx.Put(ctx, name, content, xfer.Zero, false); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Resolve(ctx, name, false); err != nil {
		t.Fatalf("committed put not visible: %v", err)
	}
}
