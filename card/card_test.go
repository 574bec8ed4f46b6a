package card

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"
)

func TestReaderSimpleCard(t *testing.T) {
	r := NewReader(strings.NewReader("push clone_seqno 1\n"))
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Push {
		t.Fatalf("Keyword = %q, want %q", c.Keyword, Push)
	}
	if got, want := c.Token(0), "clone_seqno"; got != want {
		t.Errorf("Token(0) = %q, want %q", got, want)
	}
	if got, want := c.Token(1), "1"; got != want {
		t.Errorf("Token(1) = %q, want %q", got, want)
	}
}

func TestReaderArityValidation(t *testing.T) {
	r := NewReader(strings.NewReader("push onetoken\n"))
	if _, err := r.Next(); err == nil {
		t.Fatal("expected ErrMalformed for push with too few tokens")
	}
}

func TestReaderUnescaping(t *testing.T) {
	r := NewReader(strings.NewReader(`login alice\sbob sig\\withbackslash extra` + "\n"))
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Token(0), "alice bob"; got != want {
		t.Errorf("Token(0) = %q, want %q", got, want)
	}
	if got, want := c.Token(1), `sig\withbackslash`; got != want {
		t.Errorf("Token(1) = %q, want %q", got, want)
	}
}

func TestReaderComment(t *testing.T) {
	r := NewReader(strings.NewReader("# 12345 a comment\npush clone_seqno 1\n"))
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Comment {
		t.Fatalf("Keyword = %q, want %q", c.Keyword, Comment)
	}
	if got, want := c.Token(0), "12345 a comment"; got != want {
		t.Errorf("Token(0) = %q, want %q", got, want)
	}

	c, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Push {
		t.Fatalf("second card Keyword = %q, want %q", c.Keyword, Push)
	}
}

func TestReaderNotProtocol(t *testing.T) {
	r := NewReader(strings.NewReader("<html>an error page</html>\n"))
	_, err := r.Next()
	if err == nil {
		t.Fatal("expected ErrNotProtocol")
	}
}

func TestReaderFilePayload(t *testing.T) {
	payload := "hello, artifact"
	input := "file deadbeefdeadbeefdeadbeefdeadbeefdeadbeef " + strconv.Itoa(len(payload)) + "\n" + payload
	r := NewReader(strings.NewReader(input))

	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != File {
		t.Fatalf("Keyword = %q, want %q", c.Keyword, File)
	}
	if string(c.Payload) != payload {
		t.Fatalf("Payload = %q, want %q", c.Payload, payload)
	}
}

func TestReaderEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReaderTailCapturesAndReplaysRemainder(t *testing.T) {
	r := NewReader(strings.NewReader("login alice noncevalue sigvalue\nhave somehash\n"))
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Login {
		t.Fatalf("Keyword = %q, want %q", c.Keyword, Login)
	}

	tail, err := r.Tail()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(tail), "have somehash\n"; got != want {
		t.Fatalf("Tail() = %q, want %q", got, want)
	}

	c, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Have || c.Token(0) != "somehash" {
		t.Fatalf("card after Tail = %+v, want have somehash", c)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF after exhausting the replayed tail", err)
	}
}

func TestReaderTailEmptyWhenNothingFollows(t *testing.T) {
	r := NewReader(strings.NewReader("login alice noncevalue sigvalue\n"))
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	tail, err := r.Tail()
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 0 {
		t.Fatalf("Tail() = %q, want empty", tail)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(Login, "alice bob", "nonce", `sig\with\backslashes`); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.Keyword != Login {
		t.Fatalf("Keyword = %q, want %q", c.Keyword, Login)
	}
	if got, want := c.Token(0), "alice bob"; got != want {
		t.Errorf("Token(0) = %q, want %q", got, want)
	}
	if got, want := c.Token(2), `sig\with\backslashes`; got != want {
		t.Errorf("Token(2) = %q, want %q", got, want)
	}
}

func TestWriterPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	payload := []byte("raw bytes, not escaped")
	if err := w.WritePayload(File, payload, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	c, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(c.Payload) != string(payload) {
		t.Fatalf("Payload = %q, want %q", c.Payload, payload)
	}
}

func TestWriterComment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteComment("a note"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "# a note\n" {
		t.Fatalf("got %q, want %q", buf.String(), "# a note\n")
	}
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"has space",
		"has\ttab",
		"has\nnewline",
		`has\backslash`,
		"",
	}
	for _, c := range cases {
		if got := unescape(escape(c)); got != c {
			t.Errorf("escape/unescape round trip: got %q, want %q", got, c)
		}
	}
}

