package xfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/relaysync/xfer/card"
	"github.com/relaysync/xfer/hash"
	"github.com/relaysync/xfer/store/mem"
)

func putContent(ctx context.Context, t *testing.T, s *mem.Store, content []byte, src ID, private bool) (ID, Name) {
	t.Helper()
	name := Name(hash.OneShot(hash.SHA3_256, content))
	id, err := s.Put(ctx, name, content, src, private)
	if err != nil {
		t.Fatal(err)
	}
	return id, name
}

func readCards(t *testing.T, buf *bytes.Buffer) []card.Card {
	t.Helper()
	r := card.NewReader(bytes.NewReader(buf.Bytes()))
	var cards []card.Card
	for {
		c, err := r.Next()
		if err != nil {
			break
		}
		cards = append(cards, c)
	}
	return cards
}

// newTestSession builds a Session with a peer version advertised, so
// SendFile doesn't reject SHA-3-256-named artifacts as unsupported by
// an unannounced (version-0) peer.
func newTestSession(s Store) *Session {
	sess := NewSession(s, Policy{})
	sess.PeerVersion = 2
	return sess
}

func TestSendRootsEmitsHaveForEachRoot(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	_, name := putContent(ctx, t, s, []byte("root artifact"), Zero, false)

	sess := newTestSession(s)
	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendRoots(ctx, sess, w); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 {
		t.Fatalf("got %d cards, want 1", len(cards))
	}
	if cards[0].Keyword != card.Have || cards[0].Token(0) != string(name) {
		t.Fatalf("card = %+v, want have %s", cards[0], name)
	}
	if !sess.Index.HasHave(name) {
		t.Fatal("expected index to record have after announcing it")
	}
}

func TestSendRootsSkipsShunned(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	_, name := putContent(ctx, t, s, []byte("unwanted root"), Zero, false)
	s.Shun(name)

	sess := newTestSession(s)
	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendRoots(ctx, sess, w); err != nil {
		t.Fatal(err)
	}

	if cards := readCards(t, &buf); len(cards) != 0 {
		t.Fatalf("got %d cards for a shunned root, want 0", len(cards))
	}
}

func TestSendRootsOmitsPrivateRootUnlessPolicyAllows(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	_, name := putContent(ctx, t, s, []byte("private root"), Zero, true)

	sess := newTestSession(s)
	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendRoots(ctx, sess, w); err != nil {
		t.Fatal(err)
	}
	if cards := readCards(t, &buf); len(cards) != 0 {
		t.Fatalf("got %d cards for a private root with SyncPrivate off, want 0", len(cards))
	}

	sess2 := NewSession(s, Policy{SyncPrivate: true})
	var buf2 bytes.Buffer
	w2 := card.NewWriter(&buf2)
	if err := SendRoots(ctx, sess2, w2); err != nil {
		t.Fatal(err)
	}
	cards := readCards(t, &buf2)
	if len(cards) != 1 || cards[0].Token(0) != string(name) || cards[0].Token(1) != "1" {
		t.Fatalf("cards = %+v, want one have card with the private flag set", cards)
	}
}

func TestSendFileSendsRawWhenNoDeltaCandidate(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	content := []byte("plain content, no delta basis available")
	id, name := putContent(ctx, t, s, content, Zero, false)

	sess := newTestSession(s)
	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, id, name, true); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 || cards[0].Keyword != card.File {
		t.Fatalf("cards = %+v, want a single file card", cards)
	}
	if string(cards[0].Payload) != string(content) {
		t.Fatalf("payload = %q, want %q", cards[0].Payload, content)
	}
	if sess.Counters.FilesSent != 1 {
		t.Fatalf("FilesSent = %d, want 1", sess.Counters.FilesSent)
	}
}

// nativeDeltaStore wraps a *mem.Store but reports a native delta patch
// distinct from (and smaller than) the id's reconstructed content, the
// way a backend with its own compressed delta storage would — unlike
// mem.Store itself, whose NativeDelta reflects exactly what was Put.
type nativeDeltaStore struct {
	*mem.Store
	id    ID
	src   ID
	patch []byte
}

func (s *nativeDeltaStore) NativeDelta(ctx context.Context, id ID) (ID, []byte, bool, error) {
	if id == s.id {
		return s.src, s.patch, true, nil
	}
	return s.Store.NativeDelta(ctx, id)
}

func TestSendFileSendsNativeDeltaWhenBasisAlreadyAnnounced(t *testing.T) {
	ctx := context.Background()
	mstore := mem.New()
	baseContent := []byte("a reasonably long basis artifact body")
	baseID, baseName := putContent(ctx, t, mstore, baseContent, Zero, false)

	fullContent := []byte("a reasonably long basis artifact body, plus a little more")
	deltaID, deltaName := putContent(ctx, t, mstore, fullContent, baseID, false)

	patch := []byte("short patch")
	s := &nativeDeltaStore{Store: mstore, id: deltaID, src: baseID, patch: patch}

	sess := newTestSession(s)
	sess.Index.MarkHave(baseName) // remote already has the basis

	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, deltaID, deltaName, true); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 || cards[0].Keyword != card.File {
		t.Fatalf("cards = %+v, want a single file card", cards)
	}
	if cards[0].Token(1) != string(baseName) {
		t.Fatalf("delta source token = %q, want %q", cards[0].Token(1), baseName)
	}
	if string(cards[0].Payload) != string(patch) {
		t.Fatalf("payload = %q, want the native delta patch %q", cards[0].Payload, patch)
	}
	if sess.Counters.DeltasSent != 1 {
		t.Fatalf("DeltasSent = %d, want 1", sess.Counters.DeltasSent)
	}
}

func TestSendFileFallsBackToRawWhenBasisNotAnnounced(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	baseContent := []byte("basis the remote has never heard of")
	baseID, _ := putContent(ctx, t, s, baseContent, Zero, false)
	patch := []byte("a patch against that basis")
	deltaID, deltaName := putContent(ctx, t, s, patch, baseID, false)

	sess := newTestSession(s)
	// Deliberately do not mark the basis as having been announced.

	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, deltaID, deltaName, true); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 || cards[0].Keyword != card.File {
		t.Fatalf("cards = %+v, want a single file card", cards)
	}
	if len(cards[0].Tokens) != 2 {
		t.Fatalf("tokens = %v, want [name, size] — no delta source", cards[0].Tokens)
	}
	if string(cards[0].Payload) != string(patch) {
		t.Fatalf("payload = %q, want the raw stored content %q", cards[0].Payload, patch)
	}
	if sess.Counters.DeltasSent != 0 {
		t.Fatalf("DeltasSent = %d, want 0", sess.Counters.DeltasSent)
	}
}

func TestSendFileOverBudgetAnnouncesHaveInstead(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	content := []byte("content that would exceed the tiny budget")
	id, name := putContent(ctx, t, s, content, Zero, false)

	sess := NewSession(s, Policy{MaxSend: 1})
	sess.PeerVersion = 2
	sess.OutBytes = 2 // already past MaxSend

	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, id, name, true); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 || cards[0].Keyword != card.Have {
		t.Fatalf("cards = %+v, want a single have card when over budget", cards)
	}
	if sess.Counters.FilesSent != 0 {
		t.Fatalf("FilesSent = %d, want 0 when the send was deferred", sess.Counters.FilesSent)
	}
}

func TestSendFileSkipsPrivateWithoutPolicyButAnnouncesHaveToCapablePeer(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	content := []byte("private content")
	id, name := putContent(ctx, t, s, content, Zero, true)

	sess := newTestSession(s)
	sess.PeerVersion = 2
	sess.PeerCaps["private-sync"] = true

	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, id, name, true); err != nil {
		t.Fatal(err)
	}

	cards := readCards(t, &buf)
	if len(cards) != 1 || cards[0].Keyword != card.Have {
		t.Fatalf("cards = %+v, want a have card advertising the private artifact exists", cards)
	}
}

func TestSendFileWithholdsHaveTeaserFromPeerLackingPrivateSyncCap(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	content := []byte("private content")
	id, name := putContent(ctx, t, s, content, Zero, true)

	sess := newTestSession(s)
	sess.PeerVersion = 2
	// PeerCaps["private-sync"] deliberately left unset.

	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendFile(ctx, sess, w, id, name, true); err != nil {
		t.Fatal(err)
	}

	if cards := readCards(t, &buf); len(cards) != 0 {
		t.Fatalf("got %d cards for a private artifact sent to a peer without the private-sync pragma, want 0", len(cards))
	}
}

func TestSendPrivateEmitsIgotOnlyWhenPolicyEnabledAndPeerCapable(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	_, name := putContent(ctx, t, s, []byte("gossip me"), Zero, true)

	sess := newTestSession(s)
	var buf bytes.Buffer
	w := card.NewWriter(&buf)
	if err := SendPrivate(ctx, sess, w); err != nil {
		t.Fatal(err)
	}
	if cards := readCards(t, &buf); len(cards) != 0 {
		t.Fatalf("got %d cards with SyncPrivate off, want 0", len(cards))
	}

	sess2 := NewSession(s, Policy{SyncPrivate: true})
	var buf2 bytes.Buffer
	w2 := card.NewWriter(&buf2)
	if err := SendPrivate(ctx, sess2, w2); err != nil {
		t.Fatal(err)
	}
	if cards := readCards(t, &buf2); len(cards) != 0 {
		t.Fatalf("got %d cards with SyncPrivate on but no private-sync peer cap, want 0", len(cards))
	}

	sess3 := NewSession(s, Policy{SyncPrivate: true})
	sess3.PeerCaps["private-sync"] = true
	var buf3 bytes.Buffer
	w3 := card.NewWriter(&buf3)
	if err := SendPrivate(ctx, sess3, w3); err != nil {
		t.Fatal(err)
	}
	cards := readCards(t, &buf3)
	if len(cards) != 1 || cards[0].Keyword != card.Igot || cards[0].Token(0) != string(name) {
		t.Fatalf("cards = %+v, want one igot card for %s", cards, name)
	}
}
