// Package lru implements an xfer.Store that caches the most recently
// used blob content in memory in front of a nested Store. Everything
// but content itself (state, private bit, delta linkage, enumeration)
// passes straight through to the nested Store.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

// Store is a least-recently-used content cache in front of a nested
// xfer.Store.
type Store struct {
	c *lru.Cache // ID -> Blob
	s xfer.Store
}

// New produces a new Store backed by s, caching up to size blobs.
func New(s xfer.Store, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

func (s *Store) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	return s.s.Resolve(ctx, name, createPhantom)
}

func (s *Store) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	return s.s.NewPhantom(ctx, name, private)
}

func (s *Store) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	id, err := s.s.Put(ctx, name, content, src, private)
	if err != nil {
		return id, err
	}
	s.c.Add(id, content)
	return id, nil
}

func (s *Store) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	if cached, ok := s.c.Get(id); ok {
		return cached.(xfer.Blob), nil
	}
	content, err := s.s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.c.Add(id, content)
	return content, nil
}

func (s *Store) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	return s.s.StateOf(ctx, id)
}

func (s *Store) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	return s.s.IsPrivate(ctx, id)
}

func (s *Store) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	return s.s.IsShunned(ctx, name)
}

func (s *Store) MakePrivate(ctx context.Context, id xfer.ID) error {
	return s.s.MakePrivate(ctx, id)
}

func (s *Store) MakePublic(ctx context.Context, id xfer.ID) error {
	return s.s.MakePublic(ctx, id)
}

func (s *Store) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	return s.s.EnumerateAll(ctx, f)
}

func (s *Store) Roots(ctx context.Context) ([]xfer.ID, error) {
	return s.s.Roots(ctx)
}

func (s *Store) NameOf(ctx context.Context, id xfer.ID) (xfer.Name, error) {
	return s.s.NameOf(ctx, id)
}

func (s *Store) NativeDelta(ctx context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	return s.s.NativeDelta(ctx, id)
}

func (s *Store) BeginWrite(ctx context.Context) (xfer.Tx, error) {
	nested, err := s.s.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{Store: &Store{c: s.c, s: nested}, nested: nested}, nil
}

type tx struct {
	*Store
	nested xfer.Tx
}

func (t *tx) Commit(ctx context.Context) error   { return t.nested.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.nested.Rollback(ctx) }

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (xfer.Store, error) {
		size, ok := conf["size"].(int)
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
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
		return New(nestedStore, size)
	})
}
