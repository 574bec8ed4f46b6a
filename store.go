package xfer

import (
	"context"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Store entry.
// Transitions are one-way: Phantom -> Present, and the private bit on
// a Present artifact may move Public -> Private or Private -> Public,
// but never back to Phantom (spec invariant: phantom->present is
// monotonic within a session).
type State int

const (
	// Phantom means the name is known (the remote advertised it, or we
	// resolved a DELTASRC we don't yet hold) but no content has arrived.
	Phantom State = iota
	// Present means the Store holds verified content for the name.
	Present
	// Shunned means the name is locally blacklisted: never send, never
	// store content for it even if offered.
	Shunned
)

// ErrNotFound is returned by Resolve (without createPhantom) and by Get
// when no entry exists for the given name or id.
var ErrNotFound = errors.New("not found")

// ErrShunned is returned when an operation is attempted against a name
// the Store has marked shunned.
var ErrShunned = errors.New("shunned")

// Store is the external content-addressed collaborator every send/receive
// operation reads and writes through. Its persistence format, the hash
// primitives it uses to validate names, and its garbage collection are
// all out of scope for this package (spec.md §1) — only this contract
// matters here.
type Store interface {
	// Resolve maps a name to its local id. If the name is unknown and
	// createPhantom is true, a new Phantom entry is created and returned;
	// otherwise ErrNotFound is returned for an unknown name.
	Resolve(ctx context.Context, name Name, createPhantom bool) (ID, error)

	// NewPhantom unconditionally creates (or returns the existing) Phantom
	// entry for name, with the given private bit.
	NewPhantom(ctx context.Context, name Name, private bool) (ID, error)

	// Put stores content under name, verified by the caller to satisfy
	// name == hash(content) before this call. If src is non-zero, the
	// content is recorded as a delta against the artifact at id src
	// (the "put with source" interface spec.md §4.E.2 requires for
	// dangling deltas whose basis is still a phantom). Put clears the
	// Phantom state for name, transitioning it to Present.
	Put(ctx context.Context, name Name, content Blob, src ID, private bool) (ID, error)

	// Get reads the content stored at id. It returns ErrNotFound if id
	// names a Phantom with no content yet.
	Get(ctx context.Context, id ID) (Blob, error)

	// StateOf reports the lifecycle state of id.
	StateOf(ctx context.Context, id ID) (State, error)

	// IsPrivate reports whether id is currently marked private.
	IsPrivate(ctx context.Context, id ID) (bool, error)

	// IsShunned reports whether name is on the local shun list.
	IsShunned(ctx context.Context, name Name) (bool, error)

	// MakePrivate and MakePublic move an artifact's private bit. An
	// artifact is never both; invariant enforcement (spec.md §3.3) is
	// the Store's responsibility.
	MakePrivate(ctx context.Context, id ID) error
	MakePublic(ctx context.Context, id ID) error

	// EnumerateAll calls f once for every entry the Store holds —
	// Present, Phantom, or Shunned — in ascending id order, until f
	// returns an error or all ids are exhausted. Callers that care
	// about state (resync sweeps want Present; phantom discovery wants
	// Phantom) filter via StateOf themselves.
	EnumerateAll(ctx context.Context, f func(ID, Name) error) error

	// Roots returns the ids of the "root" artifacts send-roots walks
	// when resync is off (spec.md §4.D) — typically the tips of
	// whatever higher-level structure sits above this content-addressed
	// layer. A Store with no notion of roots may return EnumerateAll's
	// full set.
	Roots(ctx context.Context) ([]ID, error)

	// NameOf reverse-resolves an id to its name. Needed wherever the
	// send engine has an id (from Roots, or from a resync sweep) and
	// must emit its name on a card.
	NameOf(ctx context.Context, id ID) (Name, error)

	// NativeDelta reports whether id is stored natively as a delta
	// against some other artifact already in the Store (spec.md §4.D.6.a:
	// "the artifact is natively stored as a delta against some parent").
	// ok is false when id is stored as raw content.
	NativeDelta(ctx context.Context, id ID) (src ID, patch []byte, ok bool, err error)

	// BeginWrite opens a write transaction scoped to one sync session
	// or one server request. All mutation during that session goes
	// through the returned Tx; the caller commits or rolls it back
	// exactly once.
	BeginWrite(ctx context.Context) (Tx, error)
}

// CrosslinkHook is the post-store callback spec.md §1 treats as an
// external collaborator reached only through begin/end brackets: it
// runs once a newly received artifact is fully present and public.
// This package invokes it but defines none of its semantics.
type CrosslinkHook func(ctx context.Context, id ID, name Name) error

// Tx is a Store handle scoped to one write transaction (spec.md §5:
// "every write path is inside one atomic database transaction").
type Tx interface {
	Store

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DeltaSource resolves an optional DELTASRC token (spec.md invariant 4):
// it resolves name in the Store, creating a Phantom if the basis is not
// yet known locally, and returns its id.
func DeltaSource(ctx context.Context, s Store, name Name) (ID, error) {
	return s.Resolve(ctx, name, true)
}
