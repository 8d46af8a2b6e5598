package analysis

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidGrid     = errors.New("grid must have at least one row and one column")
	ErrDegenerateFrame = errors.New("frame width and height must be positive")
)

// PersonLabel is the only detector class that contributes to occupancy.
const PersonLabel = "person"

// CellID is a 1-based, row-major index into a Grid.
type CellID int

// Name is the wire key used by the dashboard ("q1".."qN").
func (c CellID) Name() string {
	return fmt.Sprintf("q%d", int(c))
}

// Grid partitions the frame plane into Rows x Cols equal cells.
type Grid struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

func DefaultGrid() Grid {
	return Grid{Rows: 3, Cols: 4}
}

func (g Grid) Validate() error {
	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidGrid, g.Rows, g.Cols)
	}
	return nil
}

// Cells returns the number of cells in the grid.
func (g Grid) Cells() int {
	return g.Rows * g.Cols
}

// IDs lists every cell id in order.
func (g Grid) IDs() []CellID {
	ids := make([]CellID, g.Cells())
	for i := range ids {
		ids[i] = CellID(i + 1)
	}
	return ids
}

// Locate maps a point to its cell. Points on a boundary fall into the higher
// cell; points past the last row/column are clamped into it.
func (g Grid) Locate(x, y float64, width, height int) CellID {
	col := clampIndex(math.Floor(x/(float64(width)/float64(g.Cols))), g.Cols)
	row := clampIndex(math.Floor(y/(float64(height)/float64(g.Rows))), g.Rows)
	return CellID(row*g.Cols + col + 1)
}

func clampIndex(v float64, n int) int {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v >= float64(n) {
		return n - 1
	}
	return int(v)
}

// Detection is a single detector observation in frame pixel coordinates.
type Detection struct {
	Label      string  `json:"label" msgpack:"label"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	X1         float64 `json:"x1" msgpack:"x1"`
	Y1         float64 `json:"y1" msgpack:"y1"`
	X2         float64 `json:"x2" msgpack:"x2"`
	Y2         float64 `json:"y2" msgpack:"y2"`
}

func (d Detection) IsPerson() bool {
	return d.Label == PersonLabel
}

func (d Detection) Centroid() (float64, float64) {
	return (d.X1 + d.X2) / 2, (d.Y1 + d.Y2) / 2
}

// CountPersons returns the number of person detections.
func CountPersons(dets []Detection) int {
	n := 0
	for _, d := range dets {
		if d.IsPerson() {
			n++
		}
	}
	return n
}

// CellCounts holds one count per cell; index i belongs to CellID(i+1).
// Every cell of the grid is always present.
type CellCounts []int

func NewCellCounts(g Grid) CellCounts {
	return make(CellCounts, g.Cells())
}

// Get returns the count for a cell, or 0 for ids outside the container.
func (c CellCounts) Get(id CellID) int {
	i := int(id) - 1
	if i < 0 || i >= len(c) {
		return 0
	}
	return c[i]
}

func (c CellCounts) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}

// ByName converts counts to the {"q1": n, ...} wire form.
func (c CellCounts) ByName() map[string]int {
	out := make(map[string]int, len(c))
	for i, v := range c {
		out[CellID(i+1).Name()] = v
	}
	return out
}

// Bin counts person detections per cell by box centroid.
func Bin(dets []Detection, width, height int, g Grid) (CellCounts, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrDegenerateFrame, width, height)
	}

	counts := NewCellCounts(g)
	for _, d := range dets {
		if !d.IsPerson() {
			continue
		}
		cx, cy := d.Centroid()
		counts[g.Locate(cx, cy, width, height)-1]++
	}
	return counts, nil
}
