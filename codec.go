package xfer

import (
	"context"

	"github.com/relaysync/xfer/internal/delta"
)

// Codec is the delta codec contract spec.md §1 and §6 describe as an
// external collaborator: this package only needs encode(basis,
// target)->patch on the sending side and apply(basis, patch)->target
// on the receiving side. Its patch representation is deliberately
// opaque here.
type Codec interface {
	Apply(ctx context.Context, basis, patch []byte) ([]byte, error)
	Encode(ctx context.Context, basis, target []byte) ([]byte, error)
}

// defaultCodec adapts internal/delta's parent-heuristic chunk matcher
// to the Codec contract. It is this package's own implementation of
// the contract, not a stand-in for one — nothing in the surrounding
// pack supplies an off-the-shelf delta library, so this is the
// concrete codec used unless a Session is given another.
type defaultCodec struct{}

// DefaultCodec returns the built-in Codec backed by internal/delta.
func DefaultCodec() Codec { return defaultCodec{} }

func (defaultCodec) Apply(_ context.Context, basis, patch []byte) ([]byte, error) {
	d, err := delta.Unmarshal(patch)
	if err != nil {
		return nil, err
	}
	return delta.Apply(basis, d)
}

func (defaultCodec) Encode(_ context.Context, basis, target []byte) ([]byte, error) {
	d, err := delta.BuildParentDelta(basis, target)
	if err != nil {
		return nil, err
	}
	return delta.Marshal(d)
}
