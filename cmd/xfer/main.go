// Command xfer is a general-purpose CLI driver for the artifact-sync
// protocol's client side: pull, push, and clone against a remote
// xferd (spec.md §4.G).
package main

import (
	"context"
	"flag"
	"log"

	"github.com/bobg/subcmd"

	"github.com/relaysync/xfer"
	_ "github.com/relaysync/xfer/store/fanout"
	_ "github.com/relaysync/xfer/store/file"
	_ "github.com/relaysync/xfer/store/gcs"
	_ "github.com/relaysync/xfer/store/logging"
	_ "github.com/relaysync/xfer/store/lru"
	_ "github.com/relaysync/xfer/store/mem"
	_ "github.com/relaysync/xfer/store/pg"
	_ "github.com/relaysync/xfer/store/sqlite3"
)

type maincmd struct {
	s xfer.Store
}

func main() {
	config := flag.String("config", "xferconf.json", "path to local store config file")
	flag.Parse()

	ctx := context.Background()

	s, err := storeFromConfig(ctx, *config)
	if err != nil {
		log.Fatalf("loading store config %s: %s", *config, err)
	}

	if err := subcmd.Run(ctx, maincmd{s: s}, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"pull":  {F: c.pull},
		"push":  {F: c.push},
		"clone": {F: c.clone},
	}
}
