package xfer

import (
	"time"

	"github.com/relaysync/xfer/auth"
)

// Policy is the set of knobs that govern one sync session's behavior
// (spec.md §3, §6's configuration keys). It is populated once at
// session start from local configuration; the peer's version and
// capabilities negotiated by pragma cards live on Session, not here.
type Policy struct {
	SyncPrivate bool          // mirror private artifacts too
	MaxSend     int64         // mx-send: outbound byte cap per reply
	MaxTime     time.Duration // wall-clock deadline for one request
	Resync      int64         // have-sweep cursor; 0 = off
	ServerCode  string
	ProjectCode string
}

// DefaultServerPolicy matches exfer.c's xfer.mxSend default for the
// server side (5 MB) and a 30s request deadline (spec.md §5).
func DefaultServerPolicy() Policy {
	return Policy{MaxSend: 5 << 20, MaxTime: 30 * time.Second}
}

// DefaultClientPolicy matches exfer.c's client-side max-upload default
// of 250 KB (spec.md §5).
func DefaultClientPolicy() Policy {
	return Policy{MaxSend: 250 << 10}
}

// Counters tallies what one session sent and received (across every
// cycle of a client sync, or the one cycle of a server request), both for the
// closing "# timestamp T errors N" trailer (spec.md §4.F) and for the
// verbose per-cycle reporting exfer.c's zLabelFormat/zValueFormat
// produce (SPEC_FULL.md supplemental feature 4).
type Counters struct {
	CardsSent, CardsRcvd   int
	FilesSent, FilesRcvd   int
	DeltasSent, DeltasRcvd int
	IgotSent, IgotRcvd     int
	ArtifactsThisCycle     int
	Errors                 int
}

// Session is the explicit, threaded-through value replacing the
// original's global Xfer struct and current-user/database-handle
// globals (spec.md §9's design note). One Session lives for the
// duration of one sync (client) or one request (server).
type Session struct {
	Store  Store
	Index  *Index
	Policy Policy

	Caps auth.Capabilities

	// Codec applies and (for parent-heuristic deltas) produces patches.
	// Defaults to DefaultCodec() when unset by NewSession.
	Codec Codec

	// PeerCaps records capability pragmas the remote has announced,
	// e.g. "private-sync" (SPEC_FULL.md supplemental feature 2).
	PeerCaps map[string]bool

	// PeerVersion/PeerDate are negotiated from the pragma client-version
	// card; PeerVersion == 0 means "pre-SHA3-256, no dual-hash support."
	PeerVersion int
	PeerDate    int

	Counters Counters

	// PendingPrivate is set by a `private` modifier card and consumed by
	// the very next file/cfile card (spec.md §9 Open Question 2:
	// "most-recent private modifier card, consumed on use").
	PendingPrivate bool

	Deadline time.Time

	// OutBytes counts payload and card bytes written so far this cycle,
	// checked against Policy.MaxSend for back-pressure (spec.md §5).
	OutBytes int64

	// recentSent is a small cache of artifacts sent this cycle (raw or as
	// a delta), over 100 bytes, used as parent-delta candidates
	// (spec.md §4.D.6.b). The
	// higher-level ancestry that would normally pick a delta basis lives
	// in the crosslink/manifest layer this package never sees, so this
	// is the closest in-session approximation: the most recently sent
	// artifacts are the likeliest to share content with the next one.
	recentSent []recentArtifact

	// Hook, if non-nil, runs once per newly dephantomized public artifact
	// (spec.md §4.E.5).
	Hook CrosslinkHook

	// cloneSeqno is the client-side clone cursor received via
	// clone_seqno cards; 0 means the seed is exhausted.
	cloneSeqno int64
}

type recentArtifact struct {
	name    Name
	content Blob
}

const recentSentCap = 8

func (s *Session) rememberSent(name Name, content Blob) {
	if len(content) <= 100 {
		return
	}
	s.recentSent = append(s.recentSent, recentArtifact{name: name, content: content})
	if len(s.recentSent) > recentSentCap {
		s.recentSent = s.recentSent[len(s.recentSent)-recentSentCap:]
	}
}

// NewSession creates a Session with a fresh Index and the given Store
// and Policy. Deadline is computed from Policy.MaxTime if it is
// nonzero.
func NewSession(s Store, p Policy) *Session {
	sess := &Session{
		Store:    s,
		Index:    NewIndex(),
		Policy:   p,
		PeerCaps: make(map[string]bool),
		Codec:    DefaultCodec(),
	}
	if p.MaxTime > 0 {
		sess.Deadline = time.Now().Add(p.MaxTime)
	}
	return sess
}

// PastDeadline reports whether the session's wall-clock deadline has
// elapsed. A zero Deadline never expires.
func (s *Session) PastDeadline() bool {
	return !s.Deadline.IsZero() && time.Now().After(s.Deadline)
}

// HasPeerCap reports whether the remote has announced capability name
// via a pragma card.
func (s *Session) HasPeerCap(name string) bool { return s.PeerCaps[name] }

// CloneSeqno reports the most recently received clone_seqno cursor.
func (s *Session) CloneSeqno() int64 { return s.cloneSeqno }
