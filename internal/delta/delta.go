// Package delta builds and applies parent-heuristic deltas: a compact
// encoding of one artifact's content as a sequence of copies from a
// candidate parent plus literal insertions. It backs the root
// package's default Codec, used by the send engine's parent-heuristic
// delta (spec.md §4.D) and the receive engine: BuildParentDelta
// produces a Delta, Marshal/Unmarshal (wire.go) give it the byte form
// that travels as a file card's payload, and Apply reconstructs the
// target.
package delta

import "github.com/pkg/errors"

// Op is one step of a Delta: either copy Len bytes from Base starting
// at Offset, or insert Literal verbatim.
type Op struct {
	Offset  int
	Len     int
	Literal []byte
}

// IsCopy reports whether op copies from the base rather than inserting
// literal bytes.
func (op Op) IsCopy() bool { return op.Literal == nil }

// Delta is an ordered list of Ops that reconstruct a target given a
// base.
type Delta struct {
	Ops []Op
}

// Size estimates the on-wire cost of d: 12 bytes per copy op (fossil's
// delta format spends roughly that much per COPY command) and one byte
// per literal byte plus 4 bytes per literal op. It is an estimate only,
// not a wire format; the send engine's raw-versus-delta choice compares
// the length of the marshalled patch instead.
func (d Delta) Size() int {
	n := 0
	for _, op := range d.Ops {
		if op.IsCopy() {
			n += 12
		} else {
			n += len(op.Literal) + 4
		}
	}
	return n
}

// ErrCorrupt is returned by Apply when a Delta references an offset
// range outside its base.
var ErrCorrupt = errors.New("delta references out-of-range base offset")

// Apply reconstructs a target by executing d's ops against base.
func Apply(base []byte, d Delta) ([]byte, error) {
	var out []byte
	for _, op := range d.Ops {
		if op.IsCopy() {
			if op.Offset < 0 || op.Offset+op.Len > len(base) {
				return nil, errors.Wrapf(ErrCorrupt, "offset %d len %d base %d", op.Offset, op.Len, len(base))
			}
			out = append(out, base[op.Offset:op.Offset+op.Len]...)
			continue
		}
		out = append(out, op.Literal...)
	}
	return out, nil
}
