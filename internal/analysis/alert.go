package analysis

import (
	"fmt"
	"strings"
)

// Alert is a boolean verdict with the prose shown to observers.
type Alert struct {
	Alert   bool   `json:"alert"`
	Message string `json:"message"`
}

// CellAlert is the verdict for one grid cell. Density and Scatter record
// which of the two checks fired.
type CellAlert struct {
	Cell    CellID `json:"-"`
	Alert   bool   `json:"alert"`
	Density bool   `json:"density"`
	Scatter bool   `json:"scatter"`
	Message string `json:"message"`
}

// AlertState is the result of evaluating one frame.
type AlertState struct {
	Global Alert       `json:"global_alert"`
	Cells  []CellAlert `json:"cell_alerts"`
}

// ScatterCheck enables the rapid-change check for Evaluate.
type ScatterCheck struct {
	Deltas    CellDeltas
	Threshold int
}

// DangerFlags returns one flag per cell, true where the cell alerted.
func (s AlertState) DangerFlags() []bool {
	flags := make([]bool, len(s.Cells))
	for i, c := range s.Cells {
		flags[i] = c.Alert
	}
	return flags
}

// DangerZones lists the wire names of alerting cells in id order.
func (s AlertState) DangerZones() []string {
	zones := []string{}
	for _, c := range s.Cells {
		if c.Alert {
			zones = append(zones, c.Cell.Name())
		}
	}
	return zones
}

func (s AlertState) CellsByName() map[string]CellAlert {
	out := make(map[string]CellAlert, len(s.Cells))
	for _, c := range s.Cells {
		out[c.Cell.Name()] = c
	}
	return out
}

// CheckOvercrowding applies the global capacity limit. The message always
// names the count and the limit.
func CheckOvercrowding(personCount, capacity int) Alert {
	if personCount > capacity {
		return Alert{
			Alert:   true,
			Message: fmt.Sprintf("Overcrowding detected! %d people detected, exceeding limit of %d.", personCount, capacity),
		}
	}
	return Alert{
		Alert:   false,
		Message: fmt.Sprintf("Safe: %d people detected (limit: %d).", personCount, capacity),
	}
}

// Evaluate applies the global, per-cell density and optional per-cell
// scatter thresholds. It performs no I/O.
func Evaluate(personCount, capacity int, cells CellCounts, cellThreshold int, scatter *ScatterCheck) AlertState {
	state := AlertState{
		Global: CheckOvercrowding(personCount, capacity),
		Cells:  make([]CellAlert, len(cells)),
	}

	for i, count := range cells {
		id := CellID(i + 1)
		ca := CellAlert{Cell: id}
		var msgs []string

		if count > cellThreshold {
			ca.Density = true
			msgs = append(msgs, fmt.Sprintf("Zone %s overcrowded: %d people (threshold: %d).", id.Name(), count, cellThreshold))
		}
		if scatter != nil {
			d := scatter.Deltas.Get(id)
			if abs(d) > scatter.Threshold {
				ca.Scatter = true
				msgs = append(msgs, fmt.Sprintf("Zone %s rapid change: %+d people since last frame (threshold: %d).", id.Name(), d, scatter.Threshold))
			}
		}

		ca.Alert = ca.Density || ca.Scatter
		if ca.Alert {
			ca.Message = strings.Join(msgs, " ")
		} else {
			ca.Message = fmt.Sprintf("Zone %s safe: %d people (threshold: %d).", id.Name(), count, cellThreshold)
		}
		state.Cells[i] = ca
	}
	return state
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
