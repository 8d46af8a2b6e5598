package analysis

// CellDeltas holds the signed change of each cell's count between two frames.
type CellDeltas []int

// Delta computes current - previous per cell. Cells missing from either side
// count as zero.
func Delta(current, previous CellCounts) CellDeltas {
	n := len(current)
	if len(previous) > n {
		n = len(previous)
	}
	out := make(CellDeltas, n)
	for i := range out {
		out[i] = current.Get(CellID(i+1)) - previous.Get(CellID(i+1))
	}
	return out
}

func (d CellDeltas) Get(id CellID) int {
	i := int(id) - 1
	if i < 0 || i >= len(d) {
		return 0
	}
	return d[i]
}

func (d CellDeltas) ByName() map[string]int {
	out := make(map[string]int, len(d))
	for i, v := range d {
		out[CellID(i+1).Name()] = v
	}
	return out
}
