package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer/auth"
)

// userConfig is one entry of the config file's "users" map: the
// stored credential (cleartext or a 40-char SHA-1 hash, per spec.md
// §4.C.3) plus the capabilities granted on a successful login.
type userConfig struct {
	Password string `json:"password"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	Clone    bool   `json:"clone"`
}

// config is xferd's on-disk configuration: the backing store's own
// "type"-tagged block (passed through to store.Create verbatim, the
// same shape cmd/bs's config.go reads) plus this daemon's own knobs.
type config struct {
	Store map[string]interface{} `json:"store"`

	Addr        string                `json:"addr"`
	ServerCode  string                `json:"server_code"`
	ProjectCode string                `json:"project_code"`
	SyncPrivate bool                  `json:"sync_private"`
	MaxSendKB   int64                 `json:"max_send_kb"`
	MaxTimeSecs int                   `json:"max_time_secs"`
	Users       map[string]userConfig `json:"users"`
}

func loadConfig(filename string) (config, error) {
	var cfg config

	f, err := os.Open(filename)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config file %s", filename)
	}

	if _, ok := cfg.Store["type"].(string); !ok {
		return cfg, fmt.Errorf("config file %s missing `store.type` parameter", filename)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8080"
	}
	if cfg.ServerCode == "" || cfg.ProjectCode == "" {
		return cfg, fmt.Errorf("config file %s must set server_code and project_code", filename)
	}

	return cfg, nil
}

// lookup builds an auth.CredentialLookup from the config's users map.
func (c config) lookup(user string) (string, auth.Capabilities, error) {
	u, ok := c.Users[user]
	if !ok {
		return "", auth.Capabilities{}, auth.ErrNoSuchUser
	}
	return u.Password, auth.Capabilities{Read: u.Read, Write: u.Write, Clone: u.Clone}, nil
}

func (c config) maxTime() time.Duration {
	if c.MaxTimeSecs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.MaxTimeSecs) * time.Second
}

func (c config) maxSend() int64 {
	if c.MaxSendKB == 0 {
		return 5 << 20
	}
	return c.MaxSendKB << 10
}
