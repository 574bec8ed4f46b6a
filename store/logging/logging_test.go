package logging

import (
	"context"
	"testing"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/hash"
	"github.com/relaysync/xfer/store/mem"
)

func TestLoggingDelegatesToNested(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s := New(nested)

	content := []byte("logged and stored")
	name := xfer.Name(hash.OneShot(hash.SHA3_256, content))
	id, err := s.Put(ctx, name, content, xfer.Zero, false)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}

	nestedID, err := nested.Resolve(ctx, name, false)
	if err != nil {
		t.Fatal(err)
	}
	if nestedID != id {
		t.Fatalf("nested id = %d, want %d", nestedID, id)
	}
}

func TestLoggingTxDelegatesCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s := New(nested)

	tx, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatal(err)
	}
	name := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("rolled back")))
	if _, err := tx.Put(ctx, name, []byte("rolled back"), xfer.Zero, false); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, name, false); err != xfer.ErrNotFound {
		t.Fatalf("rolled-back put visible: err = %v", err)
	}

	tx2, err := s.BeginWrite(ctx)
	if err != nil {
		t.Fatal(err)
	}
	name2 := xfer.Name(hash.OneShot(hash.SHA3_256, []byte("committed")))
	if _, err := tx2.Put(ctx, name2, []byte("committed"), xfer.Zero, false); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, name2, false); err != nil {
		t.Fatalf("committed put not visible: %v", err)
	}
}
