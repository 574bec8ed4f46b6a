package xfer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/card"
	"github.com/relaysync/xfer/hash"
)

// minDeltaBody is the body size below which a parent-heuristic delta
// is never attempted (spec.md §4.D tie-break rules): small bodies
// never come out smaller as a delta than raw.
const minDeltaBody = 100

// SendRoots walks the local root set (or, when Policy.Resync is
// nonzero, every id at or below the resync cursor, descending) and
// emits `have` cards, stopping when the outbound byte cap is hit.
// When sweeping by resync, the cursor is advanced to reflect how far
// the sweep got, satisfying the "resync is monotonically
// non-increasing until it reaches 0" invariant (spec.md §3.5).
func SendRoots(ctx context.Context, sess *Session, w *card.Writer) error {
	if sess.Policy.Resync > 0 {
		return sendResyncSweep(ctx, sess, w)
	}
	roots, err := sess.Store.Roots(ctx)
	if err != nil {
		return errors.Wrap(err, "listing roots")
	}
	for _, id := range roots {
		if sess.overBudget() {
			break
		}
		name, err := sess.Store.NameOf(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "naming root %d", id)
		}
		if err := announceHave(ctx, sess, w, id, name); err != nil {
			return err
		}
	}
	return nil
}

func sendResyncSweep(ctx context.Context, sess *Session, w *card.Writer) error {
	cursor := sess.Policy.Resync
	var ids []ID
	err := sess.Store.EnumerateAll(ctx, func(id ID, _ Name) error {
		if int64(id) <= cursor {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "enumerating for resync sweep")
	}
	// Descending, matching spec.md §4.D's "walk all ids <= resync,
	// descending".
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if sess.overBudget() {
			sess.Policy.Resync = int64(id)
			return nil
		}
		state, err := sess.Store.StateOf(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "checking state of id %d", id)
		}
		if state != Present {
			sess.Policy.Resync = int64(id) - 1
			continue
		}
		name, err := sess.Store.NameOf(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "naming id %d", id)
		}
		if err := announceHave(ctx, sess, w, id, name); err != nil {
			return err
		}
		sess.Policy.Resync = int64(id) - 1
	}
	if sess.Policy.Resync < 0 {
		sess.Policy.Resync = 0
	}
	return nil
}

func announceHave(ctx context.Context, sess *Session, w *card.Writer, id ID, name Name) error {
	if sess.Index.HasHave(name) {
		return nil
	}
	shunned, err := sess.Store.IsShunned(ctx, name)
	if err != nil {
		return errors.Wrap(err, "checking shun list")
	}
	if shunned {
		return nil
	}
	priv, err := sess.Store.IsPrivate(ctx, id)
	if err != nil {
		return errors.Wrap(err, "checking private bit")
	}
	toks := []string{string(name)}
	if priv {
		if !sess.Policy.SyncPrivate {
			return nil
		}
		toks = append(toks, "1")
	}
	if err := w.Write(card.Have, toks...); err != nil {
		return err
	}
	sess.Index.MarkHave(name)
	sess.Counters.CardsSent++
	return nil
}

// SendPrivate emits an `igot H 1` gossip card for every private
// artifact, but only when the session is configured to sync private
// content and the remote has announced the private-sync pragma
// capability — a peer that never asked for private content has no
// business being teased about it either (spec.md §4.D's send-private
// entry point, extended per SPEC_FULL.md's send_private capability
// gate).
func SendPrivate(ctx context.Context, sess *Session, w *card.Writer) error {
	if !sess.Policy.SyncPrivate || !sess.HasPeerCap("private-sync") {
		return nil
	}
	return sess.Store.EnumerateAll(ctx, func(id ID, name Name) error {
		priv, err := sess.Store.IsPrivate(ctx, id)
		if err != nil {
			return errors.Wrap(err, "checking private bit")
		}
		if !priv || sess.Index.HasHave(name) {
			return nil
		}
		if err := w.Write(card.Igot, string(name), "1"); err != nil {
			return err
		}
		sess.Index.MarkHave(name)
		sess.Counters.CardsSent++
		sess.Counters.IgotSent++
		return nil
	})
}

// SendFile emits one artifact (spec.md §4.D's send-file entry point).
// expectedName, when non-zero, is the name the caller already knows
// for id (e.g. a requester's `gimme H`); when zero, SendFile looks it
// up itself (the send-roots/resync paths already know it).
func SendFile(ctx context.Context, sess *Session, w *card.Writer, id ID, expectedName Name, useDelta bool) error {
	name := expectedName
	if name.IsZero() {
		var err error
		name, err = sess.Store.NameOf(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "naming id %d", id)
		}
	}

	priv, err := sess.Store.IsPrivate(ctx, id)
	if err != nil {
		return errors.Wrap(err, "checking private bit")
	}
	if priv && !sess.Policy.SyncPrivate {
		if sess.PeerVersion > 0 && sess.HasPeerCap("private-sync") && !sess.Index.HasHave(name) {
			if err := w.Write(card.Have, string(name), "1"); err != nil {
				return err
			}
			sess.Index.MarkHave(name)
			sess.Counters.CardsSent++
		}
		return nil
	}

	if sess.Index.HasHave(name) {
		return nil
	}
	shunned, err := sess.Store.IsShunned(ctx, name)
	if err != nil {
		return errors.Wrap(err, "checking shun list")
	}
	if shunned {
		return nil
	}

	algo, err := hash.AlgoForNameLen(len(name))
	if err != nil {
		return errors.Wrap(err, "unparseable artifact name")
	}
	if algo == hash.SHA3_256 && sess.PeerVersion == 0 {
		if err := w.Write(card.Error, "peer does not support sha3-256 artifact "+string(name)); err != nil {
			return err
		}
		return nil
	}

	if sess.overBudget() {
		return announceHave(ctx, sess, w, id, name)
	}

	content, err := sess.Store.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}

	if useDelta {
		if sent, err := trySendNativeDelta(ctx, sess, w, id, name, content, priv); err != nil {
			return err
		} else if sent {
			sess.Index.MarkHave(name)
			sess.rememberSent(name, content)
			return nil
		}
		if len(content) > minDeltaBody {
			if sent, err := trySendParentDelta(ctx, sess, w, name, content, priv); err != nil {
				return err
			} else if sent {
				sess.Index.MarkHave(name)
				sess.rememberSent(name, content)
				return nil
			}
		}
	}

	if err := sendRaw(sess, w, name, content, priv); err != nil {
		return err
	}
	sess.Index.MarkHave(name)
	sess.rememberSent(name, content)
	return nil
}

func trySendNativeDelta(ctx context.Context, sess *Session, w *card.Writer, id ID, name Name, content Blob, priv bool) (bool, error) {
	src, patch, ok, err := sess.Store.NativeDelta(ctx, id)
	if err != nil {
		return false, errors.Wrap(err, "checking native delta")
	}
	if !ok {
		return false, nil
	}
	srcName, err := sess.Store.NameOf(ctx, src)
	if err != nil {
		return false, errors.Wrapf(err, "naming delta source %d", src)
	}
	if !sess.Index.HasHave(srcName) {
		// The remote has no reason to already hold the basis; fall back
		// rather than sending a patch against a parent they can't apply.
		return false, nil
	}
	if len(patch) >= len(content) {
		return false, nil
	}
	if err := sendPayload(sess, w, card.File, name, srcName, patch, priv); err != nil {
		return false, err
	}
	sess.Counters.DeltasSent++
	return true, nil
}

func trySendParentDelta(ctx context.Context, sess *Session, w *card.Writer, name Name, content Blob, priv bool) (bool, error) {
	var bestPatch []byte
	var bestParent Name
	for _, cand := range sess.recentSent {
		if cand.name == name {
			continue
		}
		patch, err := sess.Codec.Encode(ctx, cand.content, content)
		if err != nil {
			return false, errors.Wrap(err, "encoding parent delta")
		}
		if len(patch) >= len(content) {
			continue
		}
		if bestPatch == nil || len(patch) < len(bestPatch) {
			bestPatch = patch
			bestParent = cand.name
		}
	}
	if bestPatch == nil {
		return false, nil
	}
	if err := sendPayload(sess, w, card.File, name, bestParent, bestPatch, priv); err != nil {
		return false, err
	}
	sess.Counters.DeltasSent++
	return true, nil
}

func sendRaw(sess *Session, w *card.Writer, name Name, content Blob, priv bool) error {
	return sendPayload(sess, w, card.File, name, "", content, priv)
}

// sendPayload emits the private-modifier card (if needed) immediately
// before the file/cfile card, preserving the ordering spec.md §4.D
// requires, then writes the card itself and tallies its bytes against
// the outbound budget.
func sendPayload(sess *Session, w *card.Writer, kw card.Keyword, name, deltaSrc Name, payload []byte, priv bool) error {
	if priv {
		if err := w.Write(card.Private); err != nil {
			return err
		}
		sess.Counters.CardsSent++
	}
	toks := []string{string(name)}
	if !deltaSrc.IsZero() {
		toks = append(toks, string(deltaSrc))
	}
	if err := w.WritePayload(kw, payload, toks...); err != nil {
		return err
	}
	sess.Counters.CardsSent++
	sess.Counters.FilesSent++
	sess.OutBytes += int64(len(payload)) + cardOverheadEstimate
	return nil
}

// cardOverheadEstimate approximates the non-payload bytes of a card
// line for back-pressure accounting; exactness doesn't matter, only
// that large payloads dominate the count (spec.md §5's "payloads may
// overrun by one artifact").
const cardOverheadEstimate = 32

func (s *Session) overBudget() bool {
	if s.PastDeadline() {
		return true
	}
	return s.Policy.MaxSend > 0 && s.OutBytes >= s.Policy.MaxSend
}
