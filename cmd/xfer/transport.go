package main

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// httpTransport implements xfer.Transport by POSTing one request body
// and reading back one reply body, the minimal "exchange" contract
// spec.md §1 and §4.G leave to the transport — HTTP framing, TLS, and
// redirects are explicitly out of scope for the protocol itself.
type httpTransport struct {
	url    string
	client http.Client
}

func (t *httpTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(request))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POSTing to %s", t.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: unexpected status %s", t.url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	return body, errors.Wrap(err, "reading reply body")
}
