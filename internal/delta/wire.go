package delta

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Marshal and Unmarshal give Delta a self-describing byte encoding so
// a parent-heuristic delta can travel as a card's payload and be
// reconstructed by the peer's Apply call. This is this package's own
// format, not the protocol's native delta representation (out of
// scope per spec.md §1) — it only needs to be internally consistent.
func Marshal(d Delta) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(d.Ops))); err != nil {
		return nil, errors.Wrap(err, "writing op count")
	}
	for _, op := range d.Ops {
		if op.IsCopy() {
			buf.WriteByte(1)
			binary.Write(&buf, binary.BigEndian, uint32(op.Offset))
			binary.Write(&buf, binary.BigEndian, uint32(op.Len))
			continue
		}
		buf.WriteByte(0)
		binary.Write(&buf, binary.BigEndian, uint32(len(op.Literal)))
		buf.Write(op.Literal)
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(b []byte) (Delta, error) {
	r := bytes.NewReader(b)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return Delta{}, errors.Wrap(err, "reading op count")
	}
	d := Delta{Ops: make([]Op, 0, n)}
	for i := uint32(0); i < n; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return Delta{}, errors.Wrap(err, "reading op tag")
		}
		if tag == 1 {
			var off, ln uint32
			if err := binary.Read(r, binary.BigEndian, &off); err != nil {
				return Delta{}, errors.Wrap(err, "reading copy offset")
			}
			if err := binary.Read(r, binary.BigEndian, &ln); err != nil {
				return Delta{}, errors.Wrap(err, "reading copy length")
			}
			d.Ops = append(d.Ops, Op{Offset: int(off), Len: int(ln)})
			continue
		}
		var ln uint32
		if err := binary.Read(r, binary.BigEndian, &ln); err != nil {
			return Delta{}, errors.Wrap(err, "reading literal length")
		}
		lit := make([]byte, ln)
		if _, err := r.Read(lit); err != nil {
			return Delta{}, errors.Wrap(err, "reading literal bytes")
		}
		d.Ops = append(d.Ops, Op{Literal: lit})
	}
	return d, nil
}
