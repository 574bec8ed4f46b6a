package main

import (
	"bytes"
	"context"
	stderrs "errors"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/card"
)

// serve listens on cfg.Addr and answers one sync request/reply cycle
// per POST, the HTTP analog of exfer.c's page_xfer CGI entry point.
// Unlike the teacher's serve.go (a gRPC listener wrapping bs.Store
// directly), there is no RPC stub to register: the wire format is the
// protocol's own text cards, so the handler just threads the request
// body through HandleRequest (spec.md §1, §6).
func serve(ctx context.Context, cfg config, s xfer.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/xfer", handler(cfg, s))

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	defer l.Close()

	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Printf("listening on %s (server code %s, project code %s)", l.Addr(), cfg.ServerCode, cfg.ProjectCode)
	err = srv.Serve(l)
	if stderrs.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func handler(cfg config, s xfer.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sess := xfer.NewSession(s, xfer.Policy{
			SyncPrivate: cfg.SyncPrivate,
			MaxSend:     cfg.maxSend(),
			MaxTime:     cfg.maxTime(),
			ServerCode:  cfg.ServerCode,
			ProjectCode: cfg.ProjectCode,
		})

		in := card.NewReader(bytes.NewReader(body))
		var out bytes.Buffer
		ow := card.NewWriter(&out)

		err = xfer.HandleRequest(r.Context(), sess, in, ow, cfg.lookup, nil, cfg.ServerCode, cfg.ProjectCode)
		if err != nil {
			log.Printf("request error: %s", err)
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(out.Bytes()); err != nil {
			log.Printf("writing reply: %s", err)
		}
	}
}
