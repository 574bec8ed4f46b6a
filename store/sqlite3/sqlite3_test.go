package sqlite3

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/hash"
)

func withTestStore(ctx context.Context, fn func(*Store) error) error {
	f, err := os.CreateTemp("", "xfersqlite3test")
	if err != nil {
		return err
	}
	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	db, err := sql.Open("sqlite3", tmpfile)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := New(ctx, db)
	if err != nil {
		return err
	}
	return fn(s)
}

func TestSqlite3PutGet(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		content := []byte("hello from sqlite")
		name := xfer.Name(hash.OneShot(hash.SHA3_256, content))

		id, err := s.Put(ctx, name, content, xfer.Zero, false)
		if err != nil {
			return err
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if string(got) != string(content) {
			t.Fatalf("got %q, want %q", got, content)
		}
		state, err := s.StateOf(ctx, id)
		if err != nil {
			return err
		}
		if state != xfer.Present {
			t.Fatalf("state = %v, want Present", state)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSqlite3PhantomAndNativeDelta(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		base := []byte("sqlite delta base")
		baseName := xfer.Name(hash.OneShot(hash.SHA3_256, base))
		baseID, err := s.Put(ctx, baseName, base, xfer.Zero, false)
		if err != nil {
			return err
		}

		patch := []byte("sqlite delta patch")
		patchName := xfer.Name(hash.OneShot(hash.SHA3_256, patch))
		patchID, err := s.Put(ctx, patchName, patch, baseID, false)
		if err != nil {
			return err
		}

		src, got, ok, err := s.NativeDelta(ctx, patchID)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected NativeDelta ok")
		}
		if src != baseID {
			t.Fatalf("src = %d, want %d", src, baseID)
		}
		if string(got) != string(patch) {
			t.Fatalf("patch = %q, want %q", got, patch)
		}

		roots, err := s.Roots(ctx)
		if err != nil {
			return err
		}
		if len(roots) != 1 || roots[0] != baseID {
			t.Fatalf("roots = %v, want [%d]", roots, baseID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSqlite3ShunAndPrivate(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		name := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("shunned content")))
		if err := s.Shun(ctx, name); err != nil {
			return err
		}
		shunned, err := s.IsShunned(ctx, name)
		if err != nil {
			return err
		}
		if !shunned {
			t.Fatal("expected shunned")
		}

		id, err := s.Put(ctx, xfer.Name(hash.OneShot(hash.SHA3_256, []byte("private content"))), []byte("private content"), xfer.Zero, true)
		if err != nil {
			return err
		}
		priv, err := s.IsPrivate(ctx, id)
		if err != nil {
			return err
		}
		if !priv {
			t.Fatal("expected private")
		}
		if err := s.MakePublic(ctx, id); err != nil {
			return err
		}
		priv, err = s.IsPrivate(ctx, id)
		if err != nil {
			return err
		}
		if priv {
			t.Fatal("expected public after MakePublic")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSqlite3TxRollback(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		tx, err := s.BeginWrite(ctx)
		if err != nil {
			return err
		}
		name := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("rolled back")))
		if _, err := tx.Put(ctx, name, []byte("rolled back"), xfer.Zero, false); err != nil {
			return err
		}
		if err := tx.Rollback(ctx); err != nil {
			return err
		}
		if _, err := s.Resolve(ctx, name, false); err != xfer.ErrNotFound {
			t.Fatalf("rolled-back put visible: err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
