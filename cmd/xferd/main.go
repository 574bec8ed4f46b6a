// Command xferd serves the artifact-sync protocol over HTTP, reading
// a store configuration and a set of authorized users from a JSON
// config file (spec.md §4.F, §6).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/relaysync/xfer/store"
	_ "github.com/relaysync/xfer/store/fanout"
	_ "github.com/relaysync/xfer/store/file"
	_ "github.com/relaysync/xfer/store/gcs"
	_ "github.com/relaysync/xfer/store/logging"
	_ "github.com/relaysync/xfer/store/lru"
	_ "github.com/relaysync/xfer/store/mem"
	_ "github.com/relaysync/xfer/store/pg"
	_ "github.com/relaysync/xfer/store/sqlite3"
)

func main() {
	configPath := flag.String("config", "xferd.json", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		sig := <-sigCh
		log.Printf("got signal %s", sig)
		cancel()
	}()

	typ := cfg.Store["type"].(string)
	s, err := store.Create(ctx, typ, cfg.Store)
	if err != nil {
		log.Fatalf("creating %s-type store: %s", typ, err)
	}

	if err := serve(ctx, cfg, s); err != nil {
		log.Fatal(err)
	}
}
