package xfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/card"
	"github.com/relaysync/xfer/hash"
)

// Mode selects which of push/pull/clone the client driver opens a
// session with (spec.md §1).
type Mode int

const (
	ModePull Mode = iota
	ModePush
	ModeClone
)

// Transport is the external collaborator that actually moves bytes
// (HTTP framing, redirects, compression, TLS — all out of scope per
// spec.md §1). Exchange sends one complete request body and returns
// one complete reply body.
type Transport interface {
	Exchange(ctx context.Context, request []byte) (reply []byte, err error)
}

// Credentials, when non-nil, is sent as a login card on the first
// cycle of RunClient.
type Credentials struct {
	User     string
	Password string
}

// ClockSkew is the most extreme signed skew observed between the
// server's "# timestamp" comments and this client's wall clock,
// adjusted for transmission grace (spec.md §4.G).
type ClockSkew struct {
	Seconds float64
	Flagged bool // |Seconds| exceeded the 10s reporting threshold
}

const (
	minGimmeCap      = 200
	clientVersion    = 2
	skewThreshold    = 10 * time.Second
	maxCyclesDefault = 1000 // backstop against a misbehaving peer
)

// RunClient drives the multi-cycle sync loop until the continuation
// predicate says stop (spec.md §4.G), or ctx is cancelled. It returns
// the accumulated clock skew estimate, and an error only when the loop
// stops on a failure (cancellation, a transport error, or a fatal
// card). Non-fatal errors are counted in sess.Counters.Errors and are
// not returned.
func RunClient(ctx context.Context, sess *Session, t Transport, mode Mode, creds *Credentials) (ClockSkew, error) {
	var (
		skew           ClockSkew
		cycle          int
		filesRcvdLast  int
		priorArtifacts int
	)

	for {
		if err := ctx.Err(); err != nil {
			return skew, err
		}

		cycle++
		sess.Index = NewIndex()

		out, err := buildCycle(ctx, sess, mode, creds, cycle, filesRcvdLast)
		if err != nil {
			return skew, err
		}

		in, err := t.Exchange(ctx, out)
		if err != nil {
			sess.Counters.Errors++
			return skew, errors.Wrap(err, "exchanging sync request")
		}

		filesBefore := sess.Counters.FilesRcvd
		phantomsBefore := pendingPhantoms(ctx, sess)

		gotFile, err := processReply(ctx, sess, in, &skew, mode, cycle)
		if err != nil && IsFatal(err) {
			return skew, err
		}

		filesRcvdLast = sess.Counters.FilesRcvd - filesBefore
		phantomsAfter := pendingPhantoms(ctx, sess)

		cont := continuePredicate(continuationInput{
			newPhantoms:       phantomsAfter > phantomsBefore,
			phantomsRemain:    phantomsAfter > 0,
			sentFile:          gotFile,
			cycle:             cycle,
			cloning:           mode == ModeClone,
			artifactsRcvd:     sess.Counters.FilesRcvd,
			priorArtifacts:    priorArtifacts,
			cloneSeqno:        sess.CloneSeqno(),
		})
		priorArtifacts = sess.Counters.FilesRcvd

		if !cont || cycle >= maxCyclesDefault {
			break
		}
	}

	return skew, nil
}

type continuationInput struct {
	newPhantoms    bool
	phantomsRemain bool
	sentFile       bool
	cycle          int
	cloning        bool
	artifactsRcvd  int
	priorArtifacts int
	cloneSeqno     int64
}

// continuePredicate implements spec.md §4.G's go/stop rule verbatim.
func continuePredicate(in continuationInput) bool {
	if in.newPhantoms && in.phantomsRemain {
		return true
	}
	if in.sentFile {
		return true
	}
	if in.cloning && in.cycle <= 2 {
		return true
	}
	if in.cloning && (in.artifactsRcvd > in.priorArtifacts || in.cloneSeqno > 0) {
		return true
	}
	return false
}

func pendingPhantoms(ctx context.Context, sess *Session) int {
	n := 0
	sess.Store.EnumerateAll(ctx, func(id ID, _ Name) error {
		if st, err := sess.Store.StateOf(ctx, id); err == nil && st == Phantom {
			n++
		}
		return nil
	})
	return n
}

// buildCycle composes one outbound request: auth cards, capability
// pragma, pending gimme for local phantoms (capped adaptively), have
// cards from send-roots, and a trailing comment nonce so no two
// cycles are byte-identical (spec.md §4.G).
func buildCycle(ctx context.Context, sess *Session, mode Mode, creds *Credentials, cycle, filesRcvdLast int) ([]byte, error) {
	var head bytes.Buffer
	hw := card.NewWriter(&head)

	switch mode {
	case ModePull:
		if err := hw.Write(card.Pull, sess.Policy.ServerCode, sess.Policy.ProjectCode); err != nil {
			return nil, err
		}
	case ModePush:
		if err := hw.Write(card.Push, sess.Policy.ServerCode, sess.Policy.ProjectCode); err != nil {
			return nil, err
		}
	case ModeClone:
		if cycle == 1 {
			if err := hw.Write(card.Clone, "3", "1"); err != nil {
				return nil, err
			}
		} else {
			if err := hw.Write(card.Clone, "3", fmt.Sprint(sess.CloneSeqno())); err != nil {
				return nil, err
			}
		}
	}

	// Everything that will follow the login card is built into tail
	// first, so NONCE = hash(tail) can be computed honestly before the
	// login line itself is emitted (spec.md §4.C: the tail hash covers
	// the remainder of the request after the login line).
	var tail bytes.Buffer
	tw := card.NewWriter(&tail)

	if err := tw.Write(card.Pragma, "client-version", fmt.Sprint(clientVersion)); err != nil {
		return nil, err
	}
	if err := emitPendingGimme(ctx, sess, tw, gimmeCap(filesRcvdLast)); err != nil {
		return nil, err
	}
	if mode != ModeClone {
		if err := SendRoots(ctx, sess, tw); err != nil {
			return nil, err
		}
	}
	nonceTail := make([]byte, 8)
	rand.Read(nonceTail)
	if err := tw.WriteComment(hex.EncodeToString(nonceTail)); err != nil {
		return nil, err
	}

	if creds != nil {
		if err := writeLogin(hw, tail.Bytes(), creds); err != nil {
			return nil, err
		}
	}

	return append(head.Bytes(), tail.Bytes()...), nil
}

// writeLogin emits a login card whose NONCE is the SHA-3-256 tail
// hash of every byte that will follow it on the wire, and whose SIG
// is hash(NONCE || password) — the client-side half of spec.md §4.C's
// check_login contract.
func writeLogin(w *card.Writer, tail []byte, creds *Credentials) error {
	nonce := hash.OneShot(hash.SHA3_256, tail)
	sig := hash.OneShot(hash.SHA3_256, []byte(nonce), []byte(creds.Password))
	return w.Write(card.Login, creds.User, nonce, sig)
}

// gimmeCap implements spec.md §4.G's adaptive per-cycle request cap.
func gimmeCap(filesRcvdLast int) int {
	c := 2 * filesRcvdLast
	if c < minGimmeCap {
		return minGimmeCap
	}
	return c
}

func emitPendingGimme(ctx context.Context, sess *Session, w *card.Writer, max int) error {
	sent := 0
	err := sess.Store.EnumerateAll(ctx, func(id ID, name Name) error {
		if sent >= max {
			return errStopEnumeration
		}
		st, err := sess.Store.StateOf(ctx, id)
		if err != nil {
			return err
		}
		if st != Phantom || sess.Index.HasNeed(name) {
			return nil
		}
		if err := w.Write(card.Gimme, string(name)); err != nil {
			return err
		}
		sess.Index.MarkNeed(name)
		sess.Counters.CardsSent++
		sent++
		return nil
	})
	if err == errStopEnumeration {
		return nil
	}
	return err
}

var errStopEnumeration = errors.New("stop enumeration")

// processReply parses the server's reply, updates sess via the
// receive engine for each card, and folds any "# timestamp" comment
// into skew. It returns whether at least one file/cfile/delta card
// was present in the reply (used by the continuation predicate, which
// treats "we sent a file" and "we received one worth counting" the
// same way this single-process split requires).
//
// mode and cycle identify the two carve-outs spec.md §7's propagation
// policy makes to "any error card is fatal": during the first round of
// a clone, an auth error is expected because the project code was
// still unknown to the server; during an opportunistic push, a
// not-authorized-to-write error just means the login was read-only and
// is downgraded to a warning rather than aborting the sync.
func processReply(ctx context.Context, sess *Session, reply []byte, skew *ClockSkew, mode Mode, cycle int) (bool, error) {
	r := card.NewReader(bytes.NewReader(reply))
	arrival := time.Now()
	gotFile := false
	var firstErr error

	for {
		c, err := r.Next()
		if err != nil {
			break
		}
		if c.Keyword == card.Comment {
			if ts, ok := parseTimestampComment(c.Token(0)); ok {
				observeSkew(skew, ts, arrival, int64(len(reply)))
			}
			continue
		}
		if c.Keyword == card.File || c.Keyword == card.Cfile {
			gotFile = true
		}
		if c.Keyword == card.Error {
			errCard := Fatalf(KindBadCommand, errors.New(c.Token(0)))
			if errorCardTolerated(mode, cycle, c.Token(0)) {
				sess.Counters.Errors++
				if firstErr == nil {
					firstErr = errCard
				}
				continue
			}
			return gotFile, errCard
		}
		if err := ReceiveCard(ctx, sess, c, nil, true, true); err != nil {
			sess.Counters.Errors++
			if firstErr == nil {
				firstErr = err
			}
			if IsFatal(err) {
				return gotFile, err
			}
		}
	}
	return gotFile, firstErr
}

// errorCardTolerated implements spec.md §7's two exceptions to "every
// error card is fatal": the first round of a clone, and a
// not-authorized-to-write error during an opportunistic push.
func errorCardTolerated(mode Mode, cycle int, msg string) bool {
	if mode == ModeClone && cycle == 1 {
		return true
	}
	if mode == ModePush && msg == ErrNotAuthorizedWrite.Error() {
		return true
	}
	return false
}

// parseTimestampComment reads the leading "timestamp T" of a closing
// comment; server.go appends "errors N" after it, which this ignores.
func parseTimestampComment(text string) (time.Time, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || fields[0] != "timestamp" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05", fields[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// observeSkew records the signed difference between the server's
// reported timestamp and this client's arrival time, adjusted for a
// data-volume-dependent transmission grace of bytes/5000+20 seconds
// (spec.md §4.G), keeping only the most extreme observation across
// the session.
func observeSkew(skew *ClockSkew, serverTime, arrival time.Time, bytesTransferred int64) {
	grace := float64(bytesTransferred)/5000.0 + 20.0
	diff := arrival.Sub(serverTime).Seconds()

	var effective float64
	switch {
	case diff >= 0:
		effective = diff - grace
		if effective < 0 {
			effective = 0
		}
	default:
		effective = diff + grace
		if effective > 0 {
			effective = 0
		}
	}

	if math.Abs(effective) > math.Abs(skew.Seconds) {
		skew.Seconds = effective
	}
	skew.Flagged = math.Abs(skew.Seconds) > skewThreshold.Seconds()
}
