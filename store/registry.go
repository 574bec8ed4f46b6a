// Package store holds the plugin registry for xfer.Store backends and
// the backend implementations themselves, one subpackage per backend.
package store

import (
	"context"
	"fmt"

	"github.com/relaysync/xfer"
)

// Factory builds a Store from a backend-specific configuration map —
// the shape cmd/xferd's config loader produces after JSON-decoding a
// backend's `type` block.
type Factory func(context.Context, map[string]interface{}) (xfer.Store, error)

var registry = make(map[string]Factory)

// Register associates key (a backend's `type` name in configuration)
// with a Factory. Called from each backend subpackage's init.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create builds a Store using the Factory registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (xfer.Store, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}
