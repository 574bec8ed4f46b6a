package delta

import (
	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"
)

// chunk is one content-defined slice of a blob, identified by the hex
// digest hashsplit assigns its bytes.
type chunk struct {
	hash   string
	offset int
	data   []byte
}

// chunkify splits content into content-defined chunks using the same
// rolling-hash splitter bs's split.Writer uses to build hashsplit
// trees (_examples/bobg-bs/split/split.go), repurposed here not to
// build a storage tree but to find byte ranges the candidate parent
// and the target artifact have in common.
func chunkify(content []byte) ([]chunk, error) {
	var (
		chunks []chunk
		offset int
	)
	spl := hashsplit.NewSplitter(func(bytes []byte, level uint) error {
		h := chunkHash(bytes)
		chunks = append(chunks, chunk{hash: h, offset: offset, data: bytes})
		offset += len(bytes)
		return nil
	})
	spl.MinSize = 64
	spl.SplitBits = 10
	if _, err := spl.Write(content); err != nil {
		return nil, errors.Wrap(err, "splitting content")
	}
	if err := spl.Close(); err != nil {
		return nil, errors.Wrap(err, "closing splitter")
	}
	return chunks, nil
}

// BuildParentDelta constructs a Delta that reconstructs target given
// base, by matching base's content-defined chunks against target's.
// Matched chunks become copy ops; everything else becomes a literal
// insert. This is the "parent heuristic" of spec.md §4.D: it finds
// byte ranges base and target have in common without either side
// needing to know target's true ancestry.
func BuildParentDelta(base, target []byte) (Delta, error) {
	baseChunks, err := chunkify(base)
	if err != nil {
		return Delta{}, err
	}
	targetChunks, err := chunkify(target)
	if err != nil {
		return Delta{}, err
	}

	byHash := make(map[string]chunk, len(baseChunks))
	for _, c := range baseChunks {
		if _, ok := byHash[c.hash]; !ok {
			byHash[c.hash] = c
		}
	}

	var d Delta
	for _, tc := range targetChunks {
		if bc, ok := byHash[tc.hash]; ok && len(bc.data) == len(tc.data) {
			d.Ops = append(d.Ops, Op{Offset: bc.offset, Len: len(bc.data)})
			continue
		}
		d.Ops = append(d.Ops, Op{Literal: tc.data})
	}
	return d, nil
}

// chunkHash is a cheap, non-cryptographic content fingerprint used only
// to match chunks between base and target; it is never an artifact
// name and is never transmitted on the wire.
func chunkHash(b []byte) string {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}
	return string([]byte{
		byte(h), byte(h >> 8), byte(h >> 16), byte(h >> 24),
		byte(h >> 32), byte(h >> 40), byte(h >> 48), byte(h >> 56),
	})
}
