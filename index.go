package xfer

// Index holds the two ephemeral scratch sets scoped to a single
// request/reply cycle (spec.md §4.B): names the remote has announced
// or that we've already sent (peer-have), and names either side has
// asked the other for (peer-need). Grounded on exfer.c's peer_have/
// peer_need helpers (lines 89-131), which insert into a TEMP table
// created at the start of each cycle and dropped at its end.
type Index struct {
	have map[Name]struct{}
	need map[Name]struct{}
}

// NewIndex creates an empty Index. Call this at the start of every
// cycle; an Index must never survive past the cycle that created it.
func NewIndex() *Index {
	return &Index{
		have: make(map[Name]struct{}),
		need: make(map[Name]struct{}),
	}
}

// MarkHave records that name has been seen or sent this cycle.
func (x *Index) MarkHave(name Name) { x.have[name] = struct{}{} }

// HasHave reports whether name is already recorded in peer-have.
func (x *Index) HasHave(name Name) bool {
	_, ok := x.have[name]
	return ok
}

// MarkNeed records that name has been requested (by us of the remote,
// or by the remote of us) this cycle.
func (x *Index) MarkNeed(name Name) { x.need[name] = struct{}{} }

// HasNeed reports whether name is already recorded in peer-need.
func (x *Index) HasNeed(name Name) bool {
	_, ok := x.need[name]
	return ok
}

// NeedCount reports how many distinct names are in peer-need. The
// per-cycle gimme cap (spec.md §4.G) is counted separately by the
// client driver's emitPendingGimme.
func (x *Index) NeedCount() int { return len(x.need) }
