// Package logging implements an xfer.Store that delegates everything
// to a nested store, logging operations as they happen.
package logging

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

// Store wraps a nested xfer.Store, logging every call made to it.
type Store struct {
	s xfer.Store
}

// New produces a new logging Store wrapping s.
func New(s xfer.Store) *Store {
	return &Store{s: s}
}

func (s *Store) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	id, err := s.s.Resolve(ctx, name, createPhantom)
	if err != nil {
		log.Printf("ERROR Resolve %s (createPhantom=%v): %s", name, createPhantom, err)
	} else {
		log.Printf("Resolve %s (createPhantom=%v): id=%d", name, createPhantom, id)
	}
	return id, err
}

func (s *Store) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	id, err := s.s.NewPhantom(ctx, name, private)
	if err != nil {
		log.Printf("ERROR NewPhantom %s (private=%v): %s", name, private, err)
	} else {
		log.Printf("NewPhantom %s (private=%v): id=%d", name, private, id)
	}
	return id, err
}

func (s *Store) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	id, err := s.s.Put(ctx, name, content, src, private)
	if err != nil {
		log.Printf("ERROR Put %s (src=%d, private=%v, %d bytes): %s", name, src, private, len(content), err)
	} else {
		log.Printf("Put %s (src=%d, private=%v, %d bytes): id=%d", name, src, private, len(content), id)
	}
	return id, err
}

func (s *Store) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	b, err := s.s.Get(ctx, id)
	if err != nil {
		log.Printf("ERROR Get %d: %s", id, err)
	} else {
		log.Printf("Get %d: %d bytes", id, len(b))
	}
	return b, err
}

func (s *Store) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	state, err := s.s.StateOf(ctx, id)
	if err != nil {
		log.Printf("ERROR StateOf %d: %s", id, err)
	} else {
		log.Printf("StateOf %d: %v", id, state)
	}
	return state, err
}

func (s *Store) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	private, err := s.s.IsPrivate(ctx, id)
	if err != nil {
		log.Printf("ERROR IsPrivate %d: %s", id, err)
	} else {
		log.Printf("IsPrivate %d: %v", id, private)
	}
	return private, err
}

func (s *Store) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	shunned, err := s.s.IsShunned(ctx, name)
	if err != nil {
		log.Printf("ERROR IsShunned %s: %s", name, err)
	} else {
		log.Printf("IsShunned %s: %v", name, shunned)
	}
	return shunned, err
}

func (s *Store) MakePrivate(ctx context.Context, id xfer.ID) error {
	err := s.s.MakePrivate(ctx, id)
	if err != nil {
		log.Printf("ERROR MakePrivate %d: %s", id, err)
	} else {
		log.Printf("MakePrivate %d", id)
	}
	return err
}

func (s *Store) MakePublic(ctx context.Context, id xfer.ID) error {
	err := s.s.MakePublic(ctx, id)
	if err != nil {
		log.Printf("ERROR MakePublic %d: %s", id, err)
	} else {
		log.Printf("MakePublic %d", id)
	}
	return err
}

func (s *Store) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	log.Printf("EnumerateAll")
	return s.s.EnumerateAll(ctx, func(id xfer.ID, name xfer.Name) error {
		err := f(id, name)
		if err != nil {
			log.Printf("  ERROR in EnumerateAll: %d %s: %s", id, name, err)
		} else {
			log.Printf("  EnumerateAll: %d %s", id, name)
		}
		return err
	})
}

func (s *Store) Roots(ctx context.Context) ([]xfer.ID, error) {
	roots, err := s.s.Roots(ctx)
	if err != nil {
		log.Printf("ERROR Roots: %s", err)
	} else {
		log.Printf("Roots: %d ids", len(roots))
	}
	return roots, err
}

func (s *Store) NameOf(ctx context.Context, id xfer.ID) (xfer.Name, error) {
	name, err := s.s.NameOf(ctx, id)
	if err != nil {
		log.Printf("ERROR NameOf %d: %s", id, err)
	} else {
		log.Printf("NameOf %d: %s", id, name)
	}
	return name, err
}

func (s *Store) NativeDelta(ctx context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	src, patch, ok, err := s.s.NativeDelta(ctx, id)
	if err != nil {
		log.Printf("ERROR NativeDelta %d: %s", id, err)
	} else {
		log.Printf("NativeDelta %d: src=%d, ok=%v, %d bytes", id, src, ok, len(patch))
	}
	return src, patch, ok, err
}

// tx wraps a nested xfer.Tx, logging through the same Store methods
// and adding Commit/Rollback logging of its own.
type tx struct {
	*Store
	nested xfer.Tx
}

func (s *Store) BeginWrite(ctx context.Context) (xfer.Tx, error) {
	log.Printf("BeginWrite")
	nested, err := s.s.BeginWrite(ctx)
	if err != nil {
		log.Printf("ERROR BeginWrite: %s", err)
		return nil, err
	}
	return &tx{Store: &Store{s: nested}, nested: nested}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	err := t.nested.Commit(ctx)
	if err != nil {
		log.Printf("ERROR Commit: %s", err)
	} else {
		log.Printf("Commit")
	}
	return err
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.nested.Rollback(ctx)
	if err != nil {
		log.Printf("ERROR Rollback: %s", err)
	} else {
		log.Printf("Rollback")
	}
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (xfer.Store, error) {
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedStore, err := store.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore), nil
	})
}
