// Package gcs implements an xfer.Store on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = &Store{}

const (
	blobPrefix = "blob:"
	rootPrefix = "root:"
	shunPrefix = "shun:"
)

// Store is a Google Cloud Storage-based xfer.Store: one object per
// artifact, metadata carrying state/private/delta-source, plus marker
// objects for the root and shun indexes.
type Store struct {
	bucket *storage.BucketHandle

	mu       sync.Mutex
	idByName map[xfer.Name]xfer.ID
	nameByID map[xfer.ID]xfer.Name
	nextID   xfer.ID
}

// New produces a new Store backed by bucket.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{
		bucket:   bucket,
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

func blobObjName(name xfer.Name) string { return blobPrefix + string(name) }
func shunObjName(name xfer.Name) string { return shunPrefix + string(name) }

// rootObjName encodes t as an inverse-nanosecond suffix (via time.go's
// helpers, themselves adapted from the teacher's anchor timestamp
// encoding) so a plain lexicographic listing of the root prefix comes
// back most-recently-added-first.
func rootObjName(name xfer.Name, t time.Time) string {
	return rootPrefix + nanosToStr(timeToInvNanos(t)) + ":" + string(name)
}

func (s *Store) attrs(ctx context.Context, name xfer.Name) (*storage.ObjectAttrs, bool, error) {
	attrs, err := s.bucket.Object(blobObjName(name)).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "getting attrs for %s", name)
	}
	return attrs, true, nil
}

func (s *Store) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	_, ok, err := s.attrs(ctx, name)
	if err != nil {
		return xfer.Zero, err
	}
	if ok {
		return s.ensureID(name), nil
	}
	if !createPhantom {
		return xfer.Zero, xfer.ErrNotFound
	}
	return s.NewPhantom(ctx, name, false)
}

func (s *Store) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	obj := s.bucket.Object(blobObjName(name)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.Metadata = map[string]string{
		"state":   strconv.Itoa(int(xfer.Phantom)),
		"private": strconv.FormatBool(private),
	}
	err := w.Close()
	var gerr *googleapi.Error
	if stderrs.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		err = nil // already exists
	}
	if err != nil {
		return xfer.Zero, errors.Wrapf(err, "creating phantom object for %s", name)
	}
	return s.ensureID(name), nil
}

func (s *Store) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	obj := s.bucket.Object(blobObjName(name))
	w := obj.NewWriter(ctx)
	w.Metadata = map[string]string{
		"state":   strconv.Itoa(int(xfer.Present)),
		"private": strconv.FormatBool(private),
	}
	if src != xfer.Zero {
		srcName, ok := s.lookupName(src)
		if !ok {
			return xfer.Zero, errors.Errorf("unknown delta source id %d", src)
		}
		w.Metadata["delta_src"] = string(srcName)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return xfer.Zero, errors.Wrapf(err, "writing object for %s", name)
	}
	if err := w.Close(); err != nil {
		return xfer.Zero, errors.Wrapf(err, "finalizing object for %s", name)
	}

	if src == xfer.Zero {
		rw := s.bucket.Object(rootObjName(name, time.Now())).NewWriter(ctx)
		if err := rw.Close(); err != nil {
			return xfer.Zero, errors.Wrap(err, "writing root marker")
		}
	}

	return s.ensureID(name), nil
}

func (s *Store) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return nil, xfer.ErrNotFound
	}
	r, err := s.bucket.Object(blobObjName(name)).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, xfer.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading object for %s", name)
	}
	defer r.Close()

	b := make([]byte, r.Attrs.Size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrapf(err, "reading contents of %s", name)
	}
	return b, nil
}

func (s *Store) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return 0, xfer.ErrNotFound
	}
	attrs, ok, err := s.attrs(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xfer.ErrNotFound
	}
	n, err := strconv.Atoi(attrs.Metadata["state"])
	if err != nil {
		return 0, errors.Wrapf(err, "parsing state for %s", name)
	}
	return xfer.State(n), nil
}

func (s *Store) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	name, ok := s.lookupName(id)
	if !ok {
		return false, xfer.ErrNotFound
	}
	attrs, ok, err := s.attrs(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, xfer.ErrNotFound
	}
	return attrs.Metadata["private"] == "true", nil
}

func (s *Store) setPrivate(ctx context.Context, id xfer.ID, private bool) error {
	name, ok := s.lookupName(id)
	if !ok {
		return xfer.ErrNotFound
	}
	attrs, ok, err := s.attrs(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return xfer.ErrNotFound
	}
	meta := map[string]string{}
	for k, v := range attrs.Metadata {
		meta[k] = v
	}
	meta["private"] = strconv.FormatBool(private)
	_, err = s.bucket.Object(blobObjName(name)).Update(ctx, storage.ObjectAttrsToUpdate{Metadata: meta})
	return errors.Wrapf(err, "updating private bit for %s", name)
}

func (s *Store) MakePrivate(ctx context.Context, id xfer.ID) error { return s.setPrivate(ctx, id, true) }
func (s *Store) MakePublic(ctx context.Context, id xfer.ID) error  { return s.setPrivate(ctx, id, false) }

func (s *Store) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	_, err := s.bucket.Object(shunObjName(name)).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "checking shun marker for %s", name)
}

// Shun writes an empty marker object recording that name must never be
// sent, stored, or re-announced again.
func (s *Store) Shun(ctx context.Context, name xfer.Name) error {
	w := s.bucket.Object(shunObjName(name)).NewWriter(ctx)
	return errors.Wrapf(w.Close(), "writing shun marker for %s", name)
}

func (s *Store) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: blobPrefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "listing objects")
		}
		name := xfer.Name(strings.TrimPrefix(obj.Name, blobPrefix))
		if err := f(s.ensureID(name), name); err != nil {
			return err
		}
	}
}

func (s *Store) Roots(ctx context.Context) ([]xfer.ID, error) {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: rootPrefix})
	var out []xfer.ID
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "listing root markers")
		}
		idx := strings.LastIndex(obj.Name, ":")
		if idx < 0 {
			continue
		}
		name := xfer.Name(obj.Name[idx+1:])
		out = append(out, s.ensureID(name))
	}
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
	attrs, ok, err := s.attrs(ctx, name)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	srcHex, hasSrc := attrs.Metadata["delta_src"]
	if !ok || !hasSrc {
		return xfer.Zero, nil, false, nil
	}
	content, err := s.Get(ctx, id)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	srcID, err := s.Resolve(ctx, xfer.Name(srcHex), true)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	return srcID, content, true, nil
}

// tx buffers writes in memory and replays them against the bucket on
// Commit, the same deferred-apply strategy the file backend uses —
// Google Cloud Storage has no cross-object transaction primitive.
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
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (xfer.Store, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
