// Package mem implements an in-memory xfer.Store, useful for tests
// and for a bare relay that never needs to survive a restart.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

type entry struct {
	name     xfer.Name
	state    xfer.State
	private  bool
	content  xfer.Blob // nil while Phantom
	deltaSrc xfer.ID   // nonzero if content is a delta against this id
}

// Store is a memory-backed xfer.Store. Ids are assigned in insertion
// order starting at 1; id 0 (xfer.Zero) never names an entry.
type Store struct {
	mu      sync.Mutex
	byName  map[xfer.Name]xfer.ID
	entries map[xfer.ID]*entry
	shunned map[xfer.Name]bool
	nextID  xfer.ID
	roots   []xfer.ID
}

// New produces a new empty Store.
func New() *Store {
	return &Store{
		byName:  make(map[xfer.Name]xfer.ID),
		entries: make(map[xfer.ID]*entry),
		shunned: make(map[xfer.Name]bool),
		nextID:  1,
	}
}

func (s *Store) Resolve(_ context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		return id, nil
	}
	if !createPhantom {
		return xfer.Zero, xfer.ErrNotFound
	}
	return s.newPhantomLocked(name, false), nil
}

func (s *Store) NewPhantom(_ context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		return id, nil
	}
	return s.newPhantomLocked(name, private), nil
}

// Caller must hold s.mu.
func (s *Store) newPhantomLocked(name xfer.Name, private bool) xfer.ID {
	id := s.nextID
	s.nextID++
	s.entries[id] = &entry{name: name, state: xfer.Phantom, private: private}
	s.byName[name] = id
	return id
}

func (s *Store) Put(_ context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		id = s.nextID
		s.nextID++
		s.byName[name] = id
		s.entries[id] = &entry{name: name}
	}
	e := s.entries[id]
	e.state = xfer.Present
	e.content = content
	e.private = private
	e.deltaSrc = src
	if src == xfer.Zero {
		s.roots = append(s.roots, id)
	}
	return id, nil
}

func (s *Store) Get(_ context.Context, id xfer.ID) (xfer.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != xfer.Present {
		return nil, xfer.ErrNotFound
	}
	return e.content, nil
}

func (s *Store) StateOf(_ context.Context, id xfer.ID) (xfer.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, xfer.ErrNotFound
	}
	return e.state, nil
}

func (s *Store) IsPrivate(_ context.Context, id xfer.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, xfer.ErrNotFound
	}
	return e.private, nil
}

func (s *Store) IsShunned(_ context.Context, name xfer.Name) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shunned[name], nil
}

func (s *Store) MakePrivate(_ context.Context, id xfer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return xfer.ErrNotFound
	}
	e.private = true
	return nil
}

func (s *Store) MakePublic(_ context.Context, id xfer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return xfer.ErrNotFound
	}
	e.private = false
	return nil
}

func (s *Store) EnumerateAll(_ context.Context, f func(xfer.ID, xfer.Name) error) error {
	s.mu.Lock()
	ids := make([]xfer.ID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]xfer.Name, len(ids))
	for i, id := range ids {
		names[i] = s.entries[id].name
	}
	s.mu.Unlock()

	for i, id := range ids {
		if err := f(id, names[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Roots(_ context.Context) ([]xfer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]xfer.ID, len(s.roots))
	copy(out, s.roots)
	return out, nil
}

func (s *Store) NameOf(_ context.Context, id xfer.ID) (xfer.Name, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return "", xfer.ErrNotFound
	}
	return e.name, nil
}

func (s *Store) NativeDelta(_ context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return xfer.Zero, nil, false, xfer.ErrNotFound
	}
	if e.deltaSrc == xfer.Zero {
		return xfer.Zero, nil, false, nil
	}
	return e.deltaSrc, e.content, true, nil
}

// Shun marks name so it is never announced, stored, or transmitted
// again — a local-only operation with no wire representation.
func (s *Store) Shun(name xfer.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shunned[name] = true
}

// tx snapshots the Store's maps at BeginWrite time so Rollback can
// restore them; Commit just discards the snapshot.
type tx struct {
	*Store
	snapshot *Store
}

func (s *Store) BeginWrite(_ context.Context) (xfer.Tx, error) {
	s.mu.Lock()
	snap := &Store{
		byName:  make(map[xfer.Name]xfer.ID, len(s.byName)),
		entries: make(map[xfer.ID]*entry, len(s.entries)),
		shunned: make(map[xfer.Name]bool, len(s.shunned)),
		nextID:  s.nextID,
		roots:   append([]xfer.ID(nil), s.roots...),
	}
	for k, v := range s.byName {
		snap.byName[k] = v
	}
	for k, v := range s.entries {
		cp := *v
		snap.entries[k] = &cp
	}
	for k, v := range s.shunned {
		snap.shunned[k] = v
	}
	s.mu.Unlock()

	return &tx{Store: s, snapshot: snap}, nil
}

func (t *tx) Commit(_ context.Context) error { return nil }

func (t *tx) Rollback(_ context.Context) error {
	t.Store.mu.Lock()
	defer t.Store.mu.Unlock()
	t.Store.byName = t.snapshot.byName
	t.Store.entries = t.snapshot.entries
	t.Store.shunned = t.snapshot.shunned
	t.Store.nextID = t.snapshot.nextID
	t.Store.roots = t.snapshot.roots
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (xfer.Store, error) {
		return New(), nil
	})
}
