package xfer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/auth"
	"github.com/relaysync/xfer/card"
)

// serverState is the handler's running authorization/mode state,
// threaded across the cards of a single request (spec.md §4.F).
type serverState struct {
	authRead  bool
	authWrite bool
	useDelta  bool
	cloning   bool
}

// HandleRequest runs one server-side request/reply cycle: it reads
// every card of in, drives the send/receive engines, and writes a
// complete reply to out. It never blocks on transport; in and out are
// already-materialized card streams for this one request.
//
// lookup resolves login credentials; legacyDerive computes the legacy
// cleartext-password secret (both passed through to package auth).
// serverCode/projectCode are compared against push/pull's tokens.
func HandleRequest(ctx context.Context, sess *Session, in *card.Reader, out *card.Writer, lookup auth.CredentialLookup, legacyDerive func(pw, user string) string, serverCode, projectCode string) error {
	var st serverState

	for {
		c, err := in.Next()
		if err != nil {
			break
		}

		if err := dispatchServerCard(ctx, sess, &st, c, in, out, lookup, legacyDerive, serverCode, projectCode); err != nil {
			sess.Counters.Errors++
			out.Write(card.Error, err.Error())
			if IsFatal(err) {
				return err
			}
		}
	}

	if st.cloning {
		if err := sendSeed(ctx, sess, out); err != nil {
			return err
		}
	} else if st.authRead || st.authWrite {
		if err := SendRoots(ctx, sess, out); err != nil {
			return err
		}
	}

	return out.WriteComment(fmt.Sprintf("timestamp %s errors %d", time.Now().UTC().Format("2006-01-02T15:04:05"), sess.Counters.Errors))
}

func dispatchServerCard(ctx context.Context, sess *Session, st *serverState, c card.Card, in *card.Reader, out *card.Writer, lookup auth.CredentialLookup, legacyDerive func(pw, user string) string, serverCode, projectCode string) error {
	switch c.Keyword {
	case card.Pull:
		if !sess.Caps.Read {
			return Fatalf(KindNotAuthorizedRead, ErrNotAuthorizedRead)
		}
		if c.Token(0) != serverCode {
			return Fatalf(KindMissingProjectCode, ErrMissingProjectCode)
		}
		if c.Token(1) != projectCode {
			return Fatalf(KindWrongProject, ErrWrongProject)
		}
		st.authRead = true
		return nil

	case card.Push:
		if !sess.Caps.Write {
			return out.Write(card.Message, "pull only — not authorized to push")
		}
		if c.Token(0) != serverCode {
			return Fatalf(KindMissingProjectCode, ErrMissingProjectCode)
		}
		if c.Token(1) != projectCode {
			return Fatalf(KindWrongProject, ErrWrongProject)
		}
		st.authWrite = true
		return nil

	case card.Clone:
		if !sess.Caps.Clone {
			return Fatalf(KindNotAuthorizedClone, ErrNotAuthorizedClone)
		}
		st.authRead = true
		st.useDelta = true
		st.cloning = true
		return out.Write(card.Push, serverCode, projectCode)

	case card.Login:
		tail, err := in.Tail()
		if err != nil {
			return Fatalf(KindLoginFailed, errors.Wrap(ErrLoginFailed, err.Error()))
		}
		if err := auth.CheckTailHash(c.Token(1), tail); err != nil {
			return Fatalf(KindLoginFailed, errors.Wrap(ErrLoginFailed, err.Error()))
		}
		caps, err := auth.CheckLogin(c.Token(0), c.Token(1), c.Token(2), lookup, legacyDerive)
		if err != nil {
			return Fatalf(KindLoginFailed, errors.Wrap(ErrLoginFailed, err.Error()))
		}
		sess.Caps.Read = sess.Caps.Read || caps.Read
		sess.Caps.Write = sess.Caps.Write || caps.Write
		sess.Caps.Clone = sess.Caps.Clone || caps.Clone
		return nil

	case card.File, card.Cfile, card.Have:
		if !st.authWrite {
			return Fatalf(KindNotAuthorizedWrite, ErrNotAuthorizedWrite)
		}
		return ReceiveCard(ctx, sess, c, out, st.authRead, st.authWrite)

	case card.Private, card.Igot, card.CloneSeqno:
		return ReceiveCard(ctx, sess, c, out, st.authRead, st.authWrite)

	case card.Need, card.Gimme:
		if !st.authRead {
			return Fatalf(KindNotAuthorizedRead, ErrNotAuthorizedRead)
		}
		return ReceiveCard(ctx, sess, c, out, st.authRead, st.authWrite)

	case card.Pragma:
		applyPragma(sess, c)
		return nil

	case card.Comment, card.Message, card.Cookie:
		return nil

	default:
		return Fatalf(KindBadCommand, errors.Wrap(ErrBadCommand, string(c.Keyword)))
	}
}

func applyPragma(sess *Session, c card.Card) {
	switch c.Token(0) {
	case "client-version":
		if n, err := c.Int(1); err == nil {
			sess.PeerVersion = int(n)
		}
	default:
		sess.PeerCaps[c.Token(0)] = true
	}
}

// sendSeed emits every artifact this side holds as a `have` card,
// concluding a clone request (spec.md §4.F: "if clone, emit all
// artifacts we hold via have cards"). EnumerateAll yields Present,
// Phantom, and Shunned entries alike (store.go); only Present ones are
// held, so Phantom/Shunned are skipped rather than advertised as
// available.
func sendSeed(ctx context.Context, sess *Session, out *card.Writer) error {
	err := sess.Store.EnumerateAll(ctx, func(id ID, name Name) error {
		state, err := sess.Store.StateOf(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "checking state of id %d", id)
		}
		if state != Present {
			return nil
		}
		return announceHave(ctx, sess, out, id, name)
	})
	if err != nil {
		return errors.Wrap(err, "seeding clone")
	}
	return out.Write(card.CloneSeqno, "0")
}
