package xfer

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/card"
	"github.com/relaysync/xfer/hash"
)

// ReceiveCard interprets one inbound content-exchange card — file,
// cfile, have, igot, gimme/need, clone_seqno, private — mutating the
// Store and the session's ephemeral index (spec.md §4.E). canWrite
// and canRead gate the write/read-authorized branches; w is the reply
// writer used by gimme/need (nil is fine when the caller only wants
// gossip/bookkeeping processed, e.g. the client driver consuming a
// server reply that will never itself receive a gimme).
func ReceiveCard(ctx context.Context, sess *Session, c card.Card, w *card.Writer, canRead, canWrite bool) error {
	switch c.Keyword {
	case card.Private:
		sess.PendingPrivate = true
		return nil

	case card.File:
		return receiveFile(ctx, sess, c, canWrite, false)
	case card.Cfile:
		return receiveFile(ctx, sess, c, canWrite, true)

	case card.Have:
		return receiveHave(ctx, sess, c)
	case card.Igot:
		return receiveIgot(ctx, sess, c)

	case card.Need, card.Gimme:
		return receiveGimme(ctx, sess, c, w, canRead)

	case card.CloneSeqno:
		return receiveCloneSeqno(sess, c, w)

	case card.Pragma, card.Message, card.Cookie, card.Comment:
		return nil

	default:
		return nil
	}
}

func receiveFile(ctx context.Context, sess *Session, c card.Card, canWrite bool, compressed bool) error {
	sess.Counters.CardsRcvd++
	if !canWrite {
		return Fatalf(KindNotAuthorizedWrite, ErrNotAuthorizedWrite)
	}

	name, err := ParseName(c.Token(0))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}

	var deltaSrcTok string
	if len(c.Tokens) == 3 && !compressed || len(c.Tokens) == 4 && compressed {
		deltaSrcTok = c.Token(1)
	}

	payload := c.Payload
	if compressed {
		decompressed, err := inflate(payload)
		if err != nil {
			return Recoverablef(KindMalformedLine, errors.Wrap(err, "inflating cfile payload"))
		}
		payload = decompressed
	}

	private := sess.PendingPrivate
	sess.PendingPrivate = false

	if deltaSrcTok != "" {
		return receiveWithDeltaSrc(ctx, sess, name, deltaSrcTok, payload, private)
	}

	content := Blob(payload)
	ok, err := hash.Verify(content, string(name))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	if !ok {
		return Fatalf(KindWrongHash, errors.Wrap(ErrWrongHash, string(name)))
	}
	return storeAndPublish(ctx, sess, name, content, 0, private)
}

func receiveWithDeltaSrc(ctx context.Context, sess *Session, name Name, deltaSrcTok string, payload []byte, private bool) error {
	deltaSrcName, err := ParseName(deltaSrcTok)
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	srcID, err := sess.Store.Resolve(ctx, deltaSrcName, true)
	if err != nil {
		return errors.Wrap(err, "resolving delta source")
	}
	state, err := sess.Store.StateOf(ctx, srcID)
	if err != nil {
		return errors.Wrap(err, "checking delta source state")
	}
	if state == Phantom {
		// The basis isn't here yet: record the dangling delta against it
		// and materialize once the basis itself arrives (spec.md §4.E.2).
		if _, err := sess.Store.Put(ctx, name, payload, srcID, private); err != nil {
			return errors.Wrap(err, "storing dangling delta")
		}
		sess.Counters.FilesRcvd++
		sess.Index.MarkHave(name)
		return nil
	}

	basis, err := sess.Store.Get(ctx, srcID)
	if err != nil {
		return errors.Wrap(err, "reading delta basis")
	}
	content, err := sess.Codec.Apply(ctx, basis, payload)
	if err != nil {
		return Recoverablef(KindMalformedLine, errors.Wrap(err, "applying delta"))
	}

	ok, err := hash.Verify(content, string(name))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	if !ok {
		return Fatalf(KindWrongHash, errors.Wrap(ErrWrongHash, string(name)))
	}
	sess.Counters.DeltasRcvd++
	return storeAndPublish(ctx, sess, name, content, srcID, private)
}

func storeAndPublish(ctx context.Context, sess *Session, name Name, content Blob, src ID, private bool) error {
	id, err := sess.Store.Put(ctx, name, content, src, private)
	if err != nil {
		return errors.Wrapf(err, "storing %s", name)
	}
	sess.Counters.FilesRcvd++
	sess.Index.MarkHave(name)
	if !private && sess.Hook != nil {
		if err := sess.Hook(ctx, id, name); err != nil {
			return errors.Wrap(err, "crosslink hook")
		}
	}
	return nil
}

func receiveHave(ctx context.Context, sess *Session, c card.Card) error {
	sess.Counters.CardsRcvd++
	name, err := ParseName(c.Token(0))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	if _, err := sess.Store.Resolve(ctx, name, true); err != nil {
		return errors.Wrapf(err, "resolving %s", name)
	}
	sess.Index.MarkHave(name)
	return nil
}

func receiveIgot(ctx context.Context, sess *Session, c card.Card) error {
	sess.Counters.CardsRcvd++
	sess.Counters.IgotRcvd++
	name, err := ParseName(c.Token(0))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}

	id, err := sess.Store.Resolve(ctx, name, false)
	if errors.Cause(err) == ErrNotFound {
		if _, err := sess.Store.NewPhantom(ctx, name, c.Token(1) == "1"); err != nil {
			return errors.Wrapf(err, "phantoming %s", name)
		}
		sess.Index.MarkHave(name)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "resolving %s", name)
	}

	if c.Token(1) == "1" {
		if err := sess.Store.MakePrivate(ctx, id); err != nil {
			return errors.Wrap(err, "harmonizing private bit")
		}
	}
	sess.Index.MarkHave(name)
	return nil
}

func receiveGimme(ctx context.Context, sess *Session, c card.Card, w *card.Writer, canRead bool) error {
	sess.Counters.CardsRcvd++
	name, err := ParseName(c.Token(0))
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	if sess.Index.HasNeed(name) {
		return nil
	}
	sess.Index.MarkNeed(name)

	// w==nil means the caller (the client driver, consuming a server
	// reply) has no channel to answer on until its next outbound cycle;
	// record the request and stop. A server consuming a client request
	// always supplies w and must be authorized to read.
	if w == nil {
		return nil
	}
	if !canRead {
		return Fatalf(KindNotAuthorizedRead, ErrNotAuthorizedRead)
	}

	id, err := sess.Store.Resolve(ctx, name, false)
	if errors.Cause(err) == ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "resolving %s", name)
	}
	return SendFile(ctx, sess, w, id, name, true)
}

func receiveCloneSeqno(sess *Session, c card.Card, w *card.Writer) error {
	sess.Counters.CardsRcvd++
	n, err := c.Int(0)
	if err != nil {
		return Recoverablef(KindMalformedLine, err)
	}
	sess.cloneSeqno = n
	if n > 0 && w != nil {
		return w.Write(card.Clone, "3", c.Token(0))
	}
	return nil
}

func inflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
