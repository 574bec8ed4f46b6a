package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/hash"
	"github.com/relaysync/xfer/store"
)

func storeFromConfig(ctx context.Context, filename string) (xfer.Store, error) {
	var conf map[string]interface{}
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}

	typ, ok := conf["type"].(string)
	if !ok {
		return nil, fmt.Errorf("config file %s missing `type` parameter", filename)
	}

	if fp, err := configFingerprint(conf); err == nil {
		log.Printf("loaded %s config %s (fingerprint %s)", typ, filename, fp)
	}

	return store.Create(ctx, typ, conf)
}

// configFingerprint canonicalizes conf's JSON encoding — sorted keys,
// no incidental whitespace — so the same logical config always hashes
// the same way regardless of how it was formatted on disk, then hashes
// it. Logged at startup so two runs against what looks like "the same"
// config file can be compared without diffing the files themselves.
func configFingerprint(conf map[string]interface{}) (string, error) {
	canonical, err := canonicaljson.Marshal(conf)
	if err != nil {
		return "", errors.Wrap(err, "canonicalizing config")
	}
	return hash.OneShot(hash.SHA3_256, canonical), nil
}
