// Package file implements an xfer.Store as a file hierarchy: blob
// content is sharded by name the way the teacher's blob store shards
// by ref, and a small per-artifact metadata file (state, private bit,
// delta source) is kept for each name in a parallel meta/ tree sharded
// the same way.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

// Store is a file-based xfer.Store rooted at a directory.
type Store struct {
	root    string
	flocker flock.Locker

	mu       sync.Mutex
	idByName map[xfer.Name]xfer.ID
	nameByID map[xfer.ID]xfer.Name
	nextID   xfer.ID
}

// New produces a new Store storing data beneath root.
func New(root string) *Store {
	return &Store{
		root:     root,
		idByName: make(map[xfer.Name]xfer.ID),
		nameByID: make(map[xfer.ID]xfer.Name),
		nextID:   1,
	}
}

func (s *Store) ensureID(name xfer.Name) xfer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idByName[name]; ok {
		return id
	}
	id := s.nextID
	s.nextID++
	s.idByName[name] = id
	s.nameByID[id] = name
	return id
}

func (s *Store) lookupName(id xfer.ID) (xfer.Name, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.nameByID[id]
	return name, ok
}

func shard(name xfer.Name) (string, string) {
	h := string(name)
	return h[:2], h[:4]
}

func (s *Store) blobroot() string { return filepath.Join(s.root, "blobs") }
func (s *Store) metaroot() string { return filepath.Join(s.root, "meta") }

func (s *Store) blobpath(name xfer.Name) string {
	top, mid := shard(name)
	return filepath.Join(s.blobroot(), top, mid, string(name))
}

func (s *Store) metapath(name xfer.Name) string {
	top, mid := shard(name)
	return filepath.Join(s.metaroot(), top, mid, string(name)+".json")
}

// record is the on-disk metadata companion to a blob file.
type record struct {
	State    xfer.State `json:"state"`
	Private  bool       `json:"private"`
	DeltaSrc xfer.Name  `json:"delta_src,omitempty"`
}

func (s *Store) readMeta(name xfer.Name) (record, bool, error) {
	b, err := os.ReadFile(s.metapath(name))
	if os.IsNotExist(err) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, errors.Wrapf(err, "reading metadata for %s", name)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return record{}, false, errors.Wrapf(err, "parsing metadata for %s", name)
	}
	return rec, true, nil
}

func (s *Store) lockMeta(name xfer.Name) error {
	dir := filepath.Dir(s.metapath(name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", dir)
	}
	return s.flocker.Lock(s.metapath(name) + ".lock")
}
func (s *Store) unlockMeta(name xfer.Name) error { return s.flocker.Unlock(s.metapath(name) + ".lock") }

// writeMeta must be called with the per-name metadata lock held.
func (s *Store) writeMeta(name xfer.Name, rec record) error {
	dir := filepath.Dir(s.metapath(name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", dir)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshaling metadata")
	}
	tmp := s.metapath(name) + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, s.metapath(name)), "renaming metadata into place")
}

func (s *Store) Resolve(_ context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	rec, ok, err := s.readMeta(name)
	if err != nil {
		return xfer.Zero, err
	}
	if !ok {
		if !createPhantom {
			return xfer.Zero, xfer.ErrNotFound
		}
		return s.NewPhantom(context.Background(), name, false)
	}
	_ = rec
	return s.ensureID(name), nil
}

func (s *Store) NewPhantom(_ context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	if err := s.lockMeta(name); err != nil {
		return xfer.Zero, errors.Wrap(err, "locking metadata")
	}
	defer s.unlockMeta(name)

	rec, ok, err := s.readMeta(name)
	if err != nil {
		return xfer.Zero, err
	}
	if !ok {
		rec = record{State: xfer.Phantom, Private: private}
		if err := s.writeMeta(name, rec); err != nil {
			return xfer.Zero, err
		}
	}
	return s.ensureID(name), nil
}

func (s *Store) Put(_ context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	path := s.blobpath(name)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xfer.Zero, errors.Wrapf(err, "ensuring path %s exists", dir)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil && !os.IsExist(err) {
		return xfer.Zero, errors.Wrapf(err, "creating %s", path)
	}
	if err == nil {
		if _, err := f.Write(content); err != nil {
			f.Close()
			return xfer.Zero, errors.Wrapf(err, "writing %s", path)
		}
		f.Close()
	}

	if err := s.lockMeta(name); err != nil {
		return xfer.Zero, errors.Wrap(err, "locking metadata")
	}
	defer s.unlockMeta(name)

	rec := record{State: xfer.Present, Private: private}
	if src != xfer.Zero {
		srcName, ok := s.lookupName(src)
		if !ok {
			return xfer.Zero, errors.Errorf("unknown delta source id %d", src)
		}
		rec.DeltaSrc = srcName
	} else if err := s.appendRoot(name); err != nil {
		return xfer.Zero, err
	}
	if err := s.writeMeta(name, rec); err != nil {
		return xfer.Zero, err
	}
	return s.ensureID(name), nil
}

func (s *Store) Get(_ context.Context, id xfer.ID) (xfer.Blob, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return nil, xfer.ErrNotFound
	}
	b, err := os.ReadFile(s.blobpath(name))
	if os.IsNotExist(err) {
		return nil, xfer.ErrNotFound
	}
	return b, errors.Wrapf(err, "reading blob %s", name)
}

func (s *Store) StateOf(_ context.Context, id xfer.ID) (xfer.State, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return 0, xfer.ErrNotFound
	}
	rec, ok, err := s.readMeta(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xfer.ErrNotFound
	}
	return rec.State, nil
}

func (s *Store) IsPrivate(_ context.Context, id xfer.ID) (bool, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return false, xfer.ErrNotFound
	}
	rec, ok, err := s.readMeta(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, xfer.ErrNotFound
	}
	return rec.Private, nil
}

func (s *Store) setPrivate(id xfer.ID, private bool) error {
	name, ok := s.lookupName(id)
	if !ok {
		return xfer.ErrNotFound
	}
	if err := s.lockMeta(name); err != nil {
		return errors.Wrap(err, "locking metadata")
	}
	defer s.unlockMeta(name)

	rec, ok, err := s.readMeta(name)
	if err != nil {
		return err
	}
	if !ok {
		return xfer.ErrNotFound
	}
	rec.Private = private
	return s.writeMeta(name, rec)
}

func (s *Store) MakePrivate(_ context.Context, id xfer.ID) error { return s.setPrivate(id, true) }
func (s *Store) MakePublic(_ context.Context, id xfer.ID) error  { return s.setPrivate(id, false) }

func (s *Store) shunlistPath() string { return filepath.Join(s.root, "shunned") }

func (s *Store) IsShunned(_ context.Context, name xfer.Name) (bool, error) {
	if err := s.flocker.Lock(s.shunlistPath()); err != nil {
		return false, errors.Wrap(err, "locking shun list")
	}
	defer s.flocker.Unlock(s.shunlistPath())

	b, err := os.ReadFile(s.shunlistPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "reading shun list")
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line == string(name) {
			return true, nil
		}
	}
	return false, nil
}

// Shun appends name to the shun list, a local-only operation with no
// wire representation.
func (s *Store) Shun(name xfer.Name) error {
	if err := s.flocker.Lock(s.shunlistPath()); err != nil {
		return errors.Wrap(err, "locking shun list")
	}
	defer s.flocker.Unlock(s.shunlistPath())

	f, err := os.OpenFile(s.shunlistPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "opening shun list")
	}
	defer f.Close()
	_, err = f.WriteString(string(name) + "\n")
	return errors.Wrap(err, "appending to shun list")
}

func (s *Store) appendRoot(name xfer.Name) error {
	path := filepath.Join(s.root, "roots")
	if err := s.flocker.Lock(path); err != nil {
		return errors.Wrap(err, "locking roots index")
	}
	defer s.flocker.Unlock(path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "opening roots index")
	}
	defer f.Close()
	_, err = f.WriteString(string(name) + "\n")
	return errors.Wrap(err, "appending to roots index")
}

func (s *Store) Roots(_ context.Context) ([]xfer.ID, error) {
	path := filepath.Join(s.root, "roots")
	if err := s.flocker.Lock(path); err != nil {
		return nil, errors.Wrap(err, "locking roots index")
	}
	defer s.flocker.Unlock(path)

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading roots index")
	}
	var out []xfer.ID
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		out = append(out, s.ensureID(xfer.Name(line)))
	}
	return out, nil
}

func (s *Store) NameOf(_ context.Context, id xfer.ID) (xfer.Name, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return "", xfer.ErrNotFound
	}
	return name, nil
}

func (s *Store) NativeDelta(ctx context.Context, id xfer.ID) (xfer.ID, []byte, bool, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return xfer.Zero, nil, false, xfer.ErrNotFound
	}
	rec, ok, err := s.readMeta(name)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	if !ok || rec.DeltaSrc == "" {
		return xfer.Zero, nil, false, nil
	}
	content, err := os.ReadFile(s.blobpath(name))
	if err != nil {
		return xfer.Zero, nil, false, errors.Wrapf(err, "reading blob %s", name)
	}
	srcID, err := s.Resolve(ctx, rec.DeltaSrc, true)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	return srcID, content, true, nil
}

// EnumerateAll walks the metadata directory hierarchy in the same
// two-level hex-sharded, lexicographic order the teacher's ListRefs
// uses, visiting every name that has a metadata record regardless of
// state.
func (s *Store) EnumerateAll(_ context.Context, f func(xfer.ID, xfer.Name) error) error {
	if err := os.MkdirAll(s.metaroot(), 0755); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.metaroot())
	}
	topLevel, err := os.ReadDir(s.metaroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.metaroot())
	}
	sort.Slice(topLevel, func(i, j int) bool { return topLevel[i].Name() < topLevel[j].Name() })

	for _, topInfo := range topLevel {
		if !topInfo.IsDir() || len(topInfo.Name()) != 2 {
			continue
		}
		if _, err := strconv.ParseInt(topInfo.Name(), 16, 64); err != nil {
			continue
		}
		midDir := filepath.Join(s.metaroot(), topInfo.Name())
		midLevel, err := os.ReadDir(midDir)
		if err != nil {
			return errors.Wrapf(err, "reading dir %s", midDir)
		}
		sort.Slice(midLevel, func(i, j int) bool { return midLevel[i].Name() < midLevel[j].Name() })

		for _, midInfo := range midLevel {
			if !midInfo.IsDir() || len(midInfo.Name()) != 4 {
				continue
			}
			entDir := filepath.Join(midDir, midInfo.Name())
			entries, err := os.ReadDir(entDir)
			if err != nil {
				return errors.Wrapf(err, "reading dir %s", entDir)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

			for _, ent := range entries {
				if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
					continue
				}
				name := xfer.Name(strings.TrimSuffix(ent.Name(), ".json"))
				if _, err := xfer.ParseName(string(name)); err != nil {
					continue
				}
				if err := f(s.ensureID(name), name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// tx buffers metadata mutations in memory and only touches disk on
// Commit, mirroring the single-file atomic swap the teacher's
// UpdateAnchorMap performs but scoped to everything written during one
// sync cycle rather than one ref.
type tx struct {
	*Store
	pending []func() error
	done    bool
}

func (s *Store) BeginWrite(_ context.Context) (xfer.Tx, error) {
	return &tx{Store: s}, nil
}

func (t *tx) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	id := t.ensureID(name)
	t.pending = append(t.pending, func() error {
		_, err := t.Store.Put(ctx, name, content, src, private)
		return err
	})
	return id, nil
}

func (t *tx) MakePrivate(ctx context.Context, id xfer.ID) error {
	t.pending = append(t.pending, func() error { return t.Store.MakePrivate(ctx, id) })
	return nil
}

func (t *tx) MakePublic(ctx context.Context, id xfer.ID) error {
	t.pending = append(t.pending, func() error { return t.Store.MakePublic(ctx, id) })
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	for _, op := range t.pending {
		if err := op(); err != nil {
			return errors.Wrap(err, "committing buffered write")
		}
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.done = true
	t.pending = nil
	return nil
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (xfer.Store, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
