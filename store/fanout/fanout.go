// Package fanout implements an xfer.Store that replicates writes to a
// set of nested stores.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/store"
)

var _ xfer.Store = (*Store)(nil)

// Store delegates reads and writes to two sets of nested stores. One
// set is synchronous: writes to all of these must succeed before a
// call to Put returns, and an error from any causes Put to fail. The
// other is asynchronous: a Put queues the write on these stores but
// does not wait for it to land. If an asynchronous write fails,
// the whole Store is latched into an error state and further calls
// fail until a new Store is built.
//
// Every nested store keeps its own private notion of xfer.ID — the
// fanout Store mints its own ids on top, mapping them to names so
// that an id handed to one nested store is never confused with an id
// from another.
type Store struct {
	sync   []xfer.Store
	async  []asyncChans
	cancel context.CancelFunc

	mu       sync.Mutex
	idByName map[xfer.Name]xfer.ID
	nameByID map[xfer.ID]xfer.Name
	nextID   xfer.ID
	err      error
}

type putReq struct {
	name    xfer.Name
	content xfer.Blob
	srcName xfer.Name
	private bool
}

type asyncChans struct {
	reqs chan<- putReq
	errs <-chan error
}

// New produces a new Store. The set of synchronous stores must be
// non-empty. The set of asynchronous stores may be empty. If there
// are any asynchronous stores, goroutines are launched for them, and
// canceling ctx causes those to exit, placing the Store in an error
// state.
//
// Writes to asynchronous stores normally do not block Put, but the
// queue for each nested store has a fixed length n, which must be 1
// or greater; if an async store falls too far behind, Put blocks
// until space opens in its queue.
func New(ctx context.Context, syncStores, asyncStores []xfer.Store, n int) *Store {
	result := &Store{
		sync:     syncStores,
		idByName: make(map[xfer.Name]xfer.ID),
		nameByID: make(map[xfer.ID]xfer.Name),
		nextID:   1,
	}

	if len(asyncStores) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)

		latch := make(chan error, len(asyncStores))
		for _, a := range asyncStores {
			var (
				reqs = make(chan putReq, n)
				errs = make(chan error, 1)
			)
			result.async = append(result.async, asyncChans{reqs: reqs, errs: errs})

			a := a
			go runAsync(ctx, a, reqs, errs, latch)
		}

		go func() {
			select {
			case <-ctx.Done():
				result.mu.Lock()
				result.err = ctx.Err()
				result.mu.Unlock()
			case err := <-latch:
				if result.cancel != nil {
					result.cancel()
				}
				result.mu.Lock()
				result.err = err
				result.mu.Unlock()
			}
		}()
	}

	return result
}

// runAsync replicates Put requests against a single async nested
// store until ctx is canceled or a Put fails, in which case it
// reports the error on latch and exits.
func runAsync(ctx context.Context, nested xfer.Store, reqs <-chan putReq, errs chan<- error, latch chan<- error) {
	defer close(errs)

	for {
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return

		case req := <-reqs:
			src, err := resolveSrc(ctx, nested, req.srcName)
			if err == nil {
				_, err = nested.Put(ctx, req.name, req.content, src, req.private)
			}
			if err != nil {
				select {
				case latch <- err:
				default:
				}
				errs <- err
				return
			}
		}
	}
}

func resolveSrc(ctx context.Context, nested xfer.Store, srcName xfer.Name) (xfer.ID, error) {
	if srcName == "" {
		return xfer.Zero, nil
	}
	return nested.Resolve(ctx, srcName, true)
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ensureID mints an id for name the first time it is seen, and
// returns the same id on every later call for that name.
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

// Resolve checks the synchronous nested stores in order and succeeds
// as soon as one of them has name, regardless of its particular
// local id there.
func (s *Store) Resolve(ctx context.Context, name xfer.Name, createPhantom bool) (xfer.ID, error) {
	if err := s.checkErr(); err != nil {
		return xfer.Zero, errors.Wrap(err, "in async fanout goroutine")
	}
	for _, nested := range s.sync {
		_, err := nested.Resolve(ctx, name, false)
		if err == nil {
			return s.ensureID(name), nil
		}
		if err != xfer.ErrNotFound {
			return xfer.Zero, err
		}
	}
	if !createPhantom {
		return xfer.Zero, xfer.ErrNotFound
	}
	return s.NewPhantom(ctx, name, false)
}

// NewPhantom creates a phantom in every synchronous nested store.
// Async stores only ever receive full content, via Put, so a phantom
// created here is not replicated to them.
func (s *Store) NewPhantom(ctx context.Context, name xfer.Name, private bool) (xfer.ID, error) {
	if err := s.checkErr(); err != nil {
		return xfer.Zero, errors.Wrap(err, "in async fanout goroutine")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, nested := range s.sync {
		nested := nested
		g.Go(func() error {
			_, err := nested.NewPhantom(ctx, name, private)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if s.cancel != nil {
			s.cancel()
		}
		return xfer.Zero, err
	}
	return s.ensureID(name), nil
}

// Put stores content in every synchronous nested store, translating
// src (an id in this Store's own id space) into each nested store's
// local id for the same artifact name along the way. A write is
// queued for every asynchronous nested store; this normally does not
// block, but a slow async store can make Put wait for room in its
// queue.
func (s *Store) Put(ctx context.Context, name xfer.Name, content xfer.Blob, src xfer.ID, private bool) (xfer.ID, error) {
	if err := s.checkErr(); err != nil {
		return xfer.Zero, errors.Wrap(err, "in async fanout goroutine")
	}

	var srcName xfer.Name
	if src != xfer.Zero {
		name, ok := s.lookupName(src)
		if !ok {
			return xfer.Zero, errors.Errorf("unknown delta source id %d", src)
		}
		srcName = name
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, nested := range s.sync {
		nested := nested
		g.Go(func() error {
			localSrc, err := resolveSrc(ctx, nested, srcName)
			if err != nil {
				return err
			}
			_, err = nested.Put(ctx, name, content, localSrc, private)
			return err
		})
	}

	req := putReq{name: name, content: content, srcName: srcName, private: private}
	for _, a := range s.async {
		select {
		case <-ctx.Done():
			return xfer.Zero, ctx.Err()
		case a.reqs <- req:
		}
	}

	if err := g.Wait(); err != nil {
		if s.cancel != nil {
			s.cancel()
		}
		return xfer.Zero, err
	}
	return s.ensureID(name), nil
}

// Get races the synchronous nested stores and returns the content
// from whichever responds first without error, canceling the rest.
func (s *Store) Get(ctx context.Context, id xfer.ID) (xfer.Blob, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async fanout goroutine")
	}
	name, ok := s.lookupName(id)
	if !ok {
		return nil, xfer.ErrNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	ch := make(chan xfer.Blob)
	for _, nested := range s.sync {
		nested := nested
		g.Go(func() error {
			localID, err := nested.Resolve(ctx, name, false)
			if err != nil {
				return err
			}
			blob, err := nested.Get(ctx, localID)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- blob:
			}
			return nil
		})
	}

	var (
		blob xfer.Blob
		found bool
		err   error
		done  = make(chan struct{}, 2)
	)
	go func() {
		blob, found = <-ch
		done <- struct{}{}
	}()
	go func() {
		err = g.Wait()
		done <- struct{}{}
	}()
	<-done
	if found {
		return blob, nil
	}
	return nil, err
}

// StateOf, IsPrivate, Roots, EnumerateAll, and NativeDelta defer to
// the first synchronous nested store, treated as canonical: unlike
// content, these are cheap enough that racing every store buys
// nothing, and the first store is assumed to be kept consistent with
// the rest by Put/NewPhantom above.
func (s *Store) StateOf(ctx context.Context, id xfer.ID) (xfer.State, error) {
	if err := s.checkErr(); err != nil {
		return 0, errors.Wrap(err, "in async fanout goroutine")
	}
	name, ok := s.lookupName(id)
	if !ok {
		return 0, xfer.ErrNotFound
	}
	localID, err := s.sync[0].Resolve(ctx, name, false)
	if err != nil {
		return 0, err
	}
	return s.sync[0].StateOf(ctx, localID)
}

func (s *Store) IsPrivate(ctx context.Context, id xfer.ID) (bool, error) {
	if err := s.checkErr(); err != nil {
		return false, errors.Wrap(err, "in async fanout goroutine")
	}
	name, ok := s.lookupName(id)
	if !ok {
		return false, xfer.ErrNotFound
	}
	localID, err := s.sync[0].Resolve(ctx, name, false)
	if err != nil {
		return false, err
	}
	return s.sync[0].IsPrivate(ctx, localID)
}

// IsShunned reports name as shunned if any synchronous nested store
// says so: a shun is a local safety mechanism, and erring toward
// caution across replicas is safer than erring toward re-announcing
// shunned content.
func (s *Store) IsShunned(ctx context.Context, name xfer.Name) (bool, error) {
	if err := s.checkErr(); err != nil {
		return false, errors.Wrap(err, "in async fanout goroutine")
	}
	g, ctx := errgroup.WithContext(ctx)
	var (
		mu      sync.Mutex
		shunned bool
	)
	for _, nested := range s.sync {
		nested := nested
		g.Go(func() error {
			ok, err := nested.IsShunned(ctx, name)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				shunned = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return shunned, nil
}

func (s *Store) setPrivate(ctx context.Context, id xfer.ID, private bool) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async fanout goroutine")
	}
	name, ok := s.lookupName(id)
	if !ok {
		return xfer.ErrNotFound
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, nested := range s.sync {
		nested := nested
		g.Go(func() error {
			localID, err := nested.Resolve(ctx, name, true)
			if err != nil {
				return err
			}
			if private {
				return nested.MakePrivate(ctx, localID)
			}
			return nested.MakePublic(ctx, localID)
		})
	}
	if err := g.Wait(); err != nil {
		if s.cancel != nil {
			s.cancel()
		}
		return err
	}
	return nil
}

func (s *Store) MakePrivate(ctx context.Context, id xfer.ID) error { return s.setPrivate(ctx, id, true) }
func (s *Store) MakePublic(ctx context.Context, id xfer.ID) error  { return s.setPrivate(ctx, id, false) }

func (s *Store) EnumerateAll(ctx context.Context, f func(xfer.ID, xfer.Name) error) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async fanout goroutine")
	}
	return s.sync[0].EnumerateAll(ctx, func(_ xfer.ID, name xfer.Name) error {
		return f(s.ensureID(name), name)
	})
}

func (s *Store) Roots(ctx context.Context) ([]xfer.ID, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async fanout goroutine")
	}
	localRoots, err := s.sync[0].Roots(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]xfer.ID, len(localRoots))
	for i, localID := range localRoots {
		name, err := s.sync[0].NameOf(ctx, localID)
		if err != nil {
			return nil, err
		}
		out[i] = s.ensureID(name)
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
	if err := s.checkErr(); err != nil {
		return xfer.Zero, nil, false, errors.Wrap(err, "in async fanout goroutine")
	}
	name, ok := s.lookupName(id)
	if !ok {
		return xfer.Zero, nil, false, xfer.ErrNotFound
	}
	localID, err := s.sync[0].Resolve(ctx, name, false)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	localSrc, patch, ok, err := s.sync[0].NativeDelta(ctx, localID)
	if err != nil || !ok {
		return xfer.Zero, nil, false, err
	}
	srcName, err := s.sync[0].NameOf(ctx, localSrc)
	if err != nil {
		return xfer.Zero, nil, false, err
	}
	return s.ensureID(srcName), patch, true, nil
}

// tx composes a write transaction from a BeginWrite on every
// synchronous nested store. There is no asynchronous participation in
// a transaction: async stores only ever see committed Puts, replayed
// one at a time as usual.
type tx struct {
	*Store
	nested []xfer.Tx
}

func (s *Store) BeginWrite(ctx context.Context) (xfer.Tx, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async fanout goroutine")
	}
	nested := make([]xfer.Tx, 0, len(s.sync))
	for _, st := range s.sync {
		ntx, err := st.BeginWrite(ctx)
		if err != nil {
			for _, already := range nested {
				already.Rollback(ctx)
			}
			return nil, errors.Wrap(err, "beginning nested transaction")
		}
		nested = append(nested, ntx)
	}

	txSync := make([]xfer.Store, len(nested))
	for i, ntx := range nested {
		txSync[i] = ntx
	}
	txStore := &Store{
		sync:     txSync,
		idByName: s.idByName,
		nameByID: s.nameByID,
		nextID:   s.nextID,
		cancel:   s.cancel,
	}
	return &tx{Store: txStore, nested: nested}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ntx := range t.nested {
		ntx := ntx
		g.Go(func() error { return ntx.Commit(ctx) })
	}
	return g.Wait()
}

func (t *tx) Rollback(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ntx := range t.nested {
		ntx := ntx
		g.Go(func() error { return ntx.Rollback(ctx) })
	}
	return g.Wait()
}

func init() {
	store.Register("fanout", func(ctx context.Context, conf map[string]interface{}) (xfer.Store, error) {
		var (
			syncStores  []xfer.Store
			asyncStores []xfer.Store
			queueLen    int64
		)

		sync, ok := conf["sync"].([]map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "sync" parameter`)
		}
		for _, nested := range sync {
			nestedType, ok := nested["type"].(string)
			if !ok {
				return nil, errors.New(`"sync" item missing "type"`)
			}
			nestedStore, err := store.Create(ctx, nestedType, nested)
			if err != nil {
				return nil, errors.Wrap(err, "creating nested sync store")
			}
			syncStores = append(syncStores, nestedStore)
		}

		async, ok := conf["async"].([]map[string]interface{})
		if ok {
			for _, nested := range async {
				nestedType, ok := nested["type"].(string)
				if !ok {
					return nil, errors.New(`"async" item missing "type"`)
				}
				nestedStore, err := store.Create(ctx, nestedType, nested)
				if err != nil {
					return nil, errors.Wrap(err, "creating nested async store")
				}
				asyncStores = append(asyncStores, nestedStore)
			}
		}

		if queueLenNum, ok := conf["queuelen"].(json.Number); ok {
			var err error
			queueLen, err = queueLenNum.Int64()
			if err != nil {
				return nil, errors.Wrapf(err, "parsing queue length %v", queueLenNum)
			}
		} else {
			queueLen = 10
		}

		return New(ctx, syncStores, asyncStores, int(queueLen)), nil
	})
}
