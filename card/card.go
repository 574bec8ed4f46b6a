// Package card implements the line-oriented wire grammar (spec.md §4.A):
// tokenization of a card's keyword and up to five tokens, escape-coding
// of TEXT tokens, and exact-byte slicing of payload-bearing cards.
package card

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Keyword identifies a card's type.
type Keyword string

const (
	Push        Keyword = "push"
	Pull        Keyword = "pull"
	Clone       Keyword = "clone"
	Login       Keyword = "login"
	Have        Keyword = "have"
	Igot        Keyword = "igot"
	Need        Keyword = "need"
	Gimme       Keyword = "gimme"
	File        Keyword = "file"
	Cfile       Keyword = "cfile"
	Private     Keyword = "private"
	CloneSeqno  Keyword = "clone_seqno"
	Cookie      Keyword = "cookie"
	Pragma      Keyword = "pragma"
	Message     Keyword = "message"
	Error       Keyword = "error"
	Comment     Keyword = "#"
)

// arity maps a keyword to the minimum and maximum number of tokens a
// well-formed card of that keyword carries. This is the
// single source of truth for card arity: every handler checks a card's
// token count against this table before indexing any token, resolving
// the "nToken==5 checked, nToken==4 indexed" ambiguity noted in
// spec.md §9 by never checking one count and indexing another.
var arity = map[Keyword][2]int{
	Push:       {2, 2},
	Pull:       {2, 2},
	Clone:      {0, 2},
	Login:      {3, 3},
	Have:       {1, 2},
	Igot:       {1, 2},
	Need:       {1, 1},
	Gimme:      {1, 1},
	File:       {2, 3},
	Cfile:      {3, 4},
	Private:    {0, 0},
	CloneSeqno: {1, 1},
	Cookie:     {1, 1},
	Pragma:     {1, 5},
	Message:    {1, 1},
	Error:      {1, 1},
}

// Card is one parsed logical line, plus any payload bytes that follow it.
type Card struct {
	Keyword Keyword
	Tokens  []string
	Payload []byte // non-nil only for file/cfile
}

// ErrMalformed is returned for any card whose token count is outside
// its keyword's required range.
var ErrMalformed = errors.New("malformed atom line")

// Token returns the i'th token (0-indexed), or "" if there is no such
// token. Reader.Next has already validated arity for known keywords — this
// never panics, but an out-of-range index signals a bug in the caller,
// not a wire-format error.
func (c Card) Token(i int) string {
	if i < 0 || i >= len(c.Tokens) {
		return ""
	}
	return c.Tokens[i]
}

// Int parses the i'th token as a non-negative decimal integer.
func (c Card) Int(i int) (int64, error) {
	s := c.Token(i)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrMalformed, "token %d (%q) is not a valid INT", i, s)
	}
	return n, nil
}

// Reader reads cards from a connection, handling payload-bearing cards
// (file, cfile) by slicing exactly the declared number of bytes.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for card-by-card reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads and returns the next card, or io.EOF when the input is
// exhausted. Comment lines (including "# timestamp ...") are returned
// with Keyword Comment and the remainder of the line as Tokens[0].
// Unknown cards are tolerated (returned as-is) only if the first
// character of the line is a letter; a leading '<' signals the peer
// returned HTML instead of protocol, which is reported as ErrNotProtocol.
func (r *Reader) Next() (Card, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && len(line) == 0 {
		return Card{}, err
	}
	line = strings.TrimRight(line, "\r\n")

	if line == "" {
		return r.Next()
	}
	if line[0] == '<' {
		return Card{}, errors.Wrap(ErrNotProtocol, line)
	}
	if line[0] == '#' {
		return Card{Keyword: Comment, Tokens: []string{strings.TrimSpace(line[1:])}}, nil
	}
	if !isLetter(line[0]) {
		return Card{}, errors.Wrapf(ErrMalformed, "line does not start with a letter: %q", line)
	}

	fields := strings.Fields(line)
	kw := Keyword(fields[0])
	toks := unescapeAll(fields[1:])

	rng, known := arity[kw]
	if known {
		if len(toks) < rng[0] || len(toks) > rng[1] {
			return Card{}, errors.Wrapf(ErrMalformed, "%s: got %d tokens, want %d-%d", kw, len(toks), rng[0], rng[1])
		}
	}

	c := Card{Keyword: kw, Tokens: toks}

	switch kw {
	case File:
		n, err := c.Int(len(toks) - 1)
		if err != nil {
			return Card{}, err
		}
		c.Payload, err = r.readPayload(n)
		if err != nil {
			return Card{}, err
		}
	case Cfile:
		n, err := c.Int(len(toks) - 1)
		if err != nil {
			return Card{}, err
		}
		c.Payload, err = r.readPayload(n)
		if err != nil {
			return Card{}, err
		}
	}

	return c, nil
}

func (r *Reader) readPayload(n int64) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r.br, buf)
	return buf, errors.Wrap(err, "reading payload")
}

// Tail drains every byte not yet consumed from the stream and returns
// it, then rewinds r so a subsequent Next sees exactly the same bytes
// again. It lets a caller capture the raw remainder of a request right
// after parsing a line — the login card's tail hash covers precisely
// this — without losing the ability to parse that remainder as cards
// afterward.
func (r *Reader) Tail() ([]byte, error) {
	buf, err := io.ReadAll(r.br)
	if err != nil {
		return nil, errors.Wrap(err, "reading tail")
	}
	r.br = bufio.NewReaderSize(bytes.NewReader(buf), 64*1024)
	return buf, nil
}

// ErrNotProtocol is returned when the peer sent something that begins
// with '<' — almost always an HTML error page instead of protocol text.
var ErrNotProtocol = errors.New("server returned HTML, not protocol")

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Writer emits cards in wire form.
type Writer struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter wraps w for card emission.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits a simple card: keyword followed by escaped tokens.
func (w *Writer) Write(kw Keyword, tokens ...string) error {
	w.buf.Reset()
	w.buf.WriteString(string(kw))
	for _, t := range tokens {
		w.buf.WriteByte(' ')
		w.buf.WriteString(escape(t))
	}
	w.buf.WriteByte('\n')
	_, err := w.w.Write(w.buf.Bytes())
	return errors.Wrap(err, "writing card")
}

// WritePayload emits a payload-bearing card (file/cfile): the card line
// with SIZE as its final token, then exactly len(payload) raw bytes.
func (w *Writer) WritePayload(kw Keyword, payload []byte, tokens ...string) error {
	tokens = append(tokens, strconv.Itoa(len(payload)))
	if err := w.Write(kw, tokens...); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return errors.Wrap(err, "writing payload")
}

// WriteComment emits a bare comment line.
func (w *Writer) WriteComment(text string) error {
	_, err := fmt.Fprintf(w.w, "# %s\n", text)
	return errors.Wrap(err, "writing comment")
}

// escape fossilizes a TEXT token: backslash, space, newline, tab, and
// carriage return are backslash-escaped so the result contains none of
// those raw bytes (spec.md §4.A); every other character passes through
// unchanged.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\s`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescape reverses escape.
func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case '\\':
				b.WriteByte('\\')
			case 's':
				b.WriteByte(' ')
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescapeAll(toks []string) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = unescape(t)
	}
	return out
}
