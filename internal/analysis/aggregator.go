package analysis

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

var ErrAlreadyFinalized = errors.New("aggregator already finalized")

// DefaultDangerRatio is the share of sampled frames a cell must alert in
// before the session report flags it.
const DefaultDangerRatio = 0.3

// Report is the aggregate result of one session.
type Report struct {
	TotalPeople       int
	AvgPeoplePerFrame float64
	PeakPeople        int
	StdDevPeople      float64
	PerFrameCounts    []int
	ProcessingTime    time.Duration
	AvgCellCounts     []float64
	CellDangerFlags   []bool
}

// AvgCellCountsByName converts per-cell averages to the {"q1": v} wire form.
func (r *Report) AvgCellCountsByName() map[string]float64 {
	out := make(map[string]float64, len(r.AvgCellCounts))
	for i, v := range r.AvgCellCounts {
		out[CellID(i+1).Name()] = v
	}
	return out
}

func (r *Report) CellDangerFlagsByName() map[string]bool {
	out := make(map[string]bool, len(r.CellDangerFlags))
	for i, v := range r.CellDangerFlags {
		out[CellID(i+1).Name()] = v
	}
	return out
}

// Aggregator accumulates per-frame results for one session. It is not safe
// for concurrent use; each session owns its own.
type Aggregator struct {
	grid        Grid
	dangerRatio float64

	perFrame     []int
	cellSums     []int
	dangerCounts []int
	finalized    bool
}

func NewAggregator(g Grid, dangerRatio float64) *Aggregator {
	return &Aggregator{
		grid:         g,
		dangerRatio:  dangerRatio,
		perFrame:     []int{},
		cellSums:     make([]int, g.Cells()),
		dangerCounts: make([]int, g.Cells()),
	}
}

// Frames returns how many frames have been folded so far.
func (a *Aggregator) Frames() int {
	return len(a.perFrame)
}

// Fold adds one sampled frame to the running totals.
func (a *Aggregator) Fold(personCount int, cells CellCounts, danger []bool) error {
	if a.finalized {
		return ErrAlreadyFinalized
	}
	if len(cells) != len(a.cellSums) {
		return fmt.Errorf("cell counts length %d does not match grid size %d", len(cells), len(a.cellSums))
	}
	if len(danger) != 0 && len(danger) != len(a.dangerCounts) {
		return fmt.Errorf("danger flags length %d does not match grid size %d", len(danger), len(a.dangerCounts))
	}

	a.perFrame = append(a.perFrame, personCount)
	for i, v := range cells {
		a.cellSums[i] += v
	}
	for i, flagged := range danger {
		if flagged {
			a.dangerCounts[i]++
		}
	}
	return nil
}

// Finalize produces the session report. It may be called once.
func (a *Aggregator) Finalize(elapsed time.Duration) (*Report, error) {
	if a.finalized {
		return nil, ErrAlreadyFinalized
	}
	a.finalized = true

	frames := len(a.perFrame)
	r := &Report{
		PerFrameCounts:  append([]int(nil), a.perFrame...),
		ProcessingTime:  elapsed,
		AvgCellCounts:   make([]float64, len(a.cellSums)),
		CellDangerFlags: make([]bool, len(a.dangerCounts)),
	}
	if r.PerFrameCounts == nil {
		r.PerFrameCounts = []int{}
	}

	samples := make([]float64, frames)
	for i, v := range a.perFrame {
		r.TotalPeople += v
		if v > r.PeakPeople {
			r.PeakPeople = v
		}
		samples[i] = float64(v)
	}
	if frames == 0 {
		return r, nil
	}

	r.AvgPeoplePerFrame = float64(r.TotalPeople) / float64(frames)
	if frames > 1 {
		r.StdDevPeople = stat.StdDev(samples, nil)
	}
	for i, sum := range a.cellSums {
		r.AvgCellCounts[i] = float64(sum) / float64(frames)
	}
	for i, n := range a.dangerCounts {
		r.CellDangerFlags[i] = float64(n)/float64(frames) > a.dangerRatio
	}
	return r, nil
}
