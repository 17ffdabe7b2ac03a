package progress

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Row is one line of the tooling checklist.
type Row string

const (
	RowDesignTooling Row = "designTooling"
	RowRawMaterial   Row = "rawMaterial"
	RowMachining1    Row = "machining1"
	RowMachining2    Row = "machining2"
	RowMachining3    Row = "machining3"
	RowAssy          Row = "assy"
	RowTrial         Row = "trial"
	RowApproval      Row = "approval"
)

// RowWeight pairs a checklist row with its share of the tooling total.
type RowWeight struct {
	Row    Row
	Label  string
	Weight int
}

// weightTable is ordered as the checklist is displayed. Weights sum to 100.
var weightTable = [...]RowWeight{
	{RowDesignTooling, "Design Tooling", 10},
	{RowRawMaterial, "Raw Material", 10},
	{RowMachining1, "Machining 1", 10},
	{RowMachining2, "Machining 2", 25},
	{RowMachining3, "Machining 3", 5},
	{RowAssy, "Assy", 10},
	{RowTrial, "Trial", 20},
	{RowApproval, "Approval", 10},
}

// Weights returns the fixed tooling weight table in display order.
func Weights() []RowWeight {
	out := make([]RowWeight, len(weightTable))
	copy(out, weightTable[:])
	return out
}

// WeightOf returns the weight of a row, 0 for unknown rows.
func WeightOf(row Row) int {
	for _, w := range weightTable {
		if w.Row == row {
			return w.Weight
		}
	}
	return 0
}

// ParseRow resolves a row name as used on the wire and in the CLI.
func ParseRow(s string) (Row, error) {
	for _, w := range weightTable {
		if strings.EqualFold(string(w.Row), s) {
			return w.Row, nil
		}
	}
	return "", fmt.Errorf("unknown tooling row %q", s)
}

// IsCheckbox reports whether the row is a plain milestone checkbox.
func (r Row) IsCheckbox() bool {
	switch r {
	case RowDesignTooling, RowMachining1, RowMachining2, RowMachining3, RowAssy, RowApproval:
		return true
	}
	return false
}

// MaxTrials bounds the trial set of one tooling detail.
const MaxTrials = 50

// Source records where the tooling detail currently held in memory came from.
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceLocal   Source = "local"
)

// Trial is one record of the trial set. Trials are equally weighted; Weight
// carries each trial's share of the Trial row for display.
type Trial struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Completed bool    `json:"completed"`
	Weight    float64 `json:"weight"`
}

// ToolingDetail is the fixed weighted checklist behind a tooling sub-process.
type ToolingDetail struct {
	DesignTooling   bool     `json:"designTooling"`
	Machining1      bool     `json:"machining1"`
	Machining2      bool     `json:"machining2"`
	Machining3      bool     `json:"machining3"`
	Assy            bool     `json:"assy"`
	Approval        bool     `json:"approval"`
	MaterialActual  *float64 `json:"materialActual"`
	MaterialPlanned *float64 `json:"materialPlanned"`
	TrialCount      int      `json:"trialCount"`
	Trials          []Trial  `json:"trials,omitempty"`

	// Persisted is the overallProgress the backend (or cache) last reported.
	// It wins over local computation until the detail is Edited.
	Persisted *float64 `json:"overallProgress,omitempty"`
	Edited    bool     `json:"-"`
	Source    Source   `json:"-"`
}

// Clone returns a deep copy; nil stays nil.
func (d *ToolingDetail) Clone() *ToolingDetail {
	if d == nil {
		return nil
	}
	out := *d
	out.MaterialActual = cloneFloat(d.MaterialActual)
	out.MaterialPlanned = cloneFloat(d.MaterialPlanned)
	out.Persisted = cloneFloat(d.Persisted)
	if d.Trials != nil {
		out.Trials = append([]Trial(nil), d.Trials...)
	}
	return &out
}

// Checked returns the state of a checkbox row.
func (d ToolingDetail) Checked(row Row) bool {
	switch row {
	case RowDesignTooling:
		return d.DesignTooling
	case RowMachining1:
		return d.Machining1
	case RowMachining2:
		return d.Machining2
	case RowMachining3:
		return d.Machining3
	case RowAssy:
		return d.Assy
	case RowApproval:
		return d.Approval
	}
	return false
}

// setChecked sets a checkbox row and reports whether anything changed.
func (d *ToolingDetail) setChecked(row Row, v bool) bool {
	var field *bool
	switch row {
	case RowDesignTooling:
		field = &d.DesignTooling
	case RowMachining1:
		field = &d.Machining1
	case RowMachining2:
		field = &d.Machining2
	case RowMachining3:
		field = &d.Machining3
	case RowAssy:
		field = &d.Assy
	case RowApproval:
		field = &d.Approval
	default:
		return false
	}
	if *field == v {
		return false
	}
	*field = v
	return true
}

// RowProgress evaluates one checklist row to a percentage in [0, 100].
func (d ToolingDetail) RowProgress(row Row) int {
	switch {
	case row.IsCheckbox():
		if d.Checked(row) {
			return 100
		}
		return 0
	case row == RowRawMaterial:
		return d.MaterialProgress()
	case row == RowTrial:
		return d.TrialProgress()
	}
	return 0
}

// MaterialProgress is round(min(actual/planned, 1) * 100); unset or invalid
// quantities contribute 0.
func (d ToolingDetail) MaterialProgress() int {
	if !validNumber(d.MaterialActual) || !validNumber(d.MaterialPlanned) {
		return 0
	}
	planned := *d.MaterialPlanned
	if planned <= 0 {
		return 0
	}
	ratio := math.Min(*d.MaterialActual/planned, 1)
	return int(clamp(math.Round(ratio * 100)))
}

// TotalTrials is the size of the trial set: the declared count, or the number
// of records if more have been loaded.
func (d ToolingDetail) TotalTrials() int {
	if len(d.Trials) > d.TrialCount {
		return len(d.Trials)
	}
	if d.TrialCount < 0 {
		return 0
	}
	return d.TrialCount
}

// CompletedTrials counts completed trial records.
func (d ToolingDetail) CompletedTrials() int {
	n := 0
	for _, t := range d.Trials {
		if t.Completed {
			n++
		}
	}
	return n
}

// TrialProgress is round(completed / total * 100), 0 with no trials.
func (d ToolingDetail) TrialProgress() int {
	total := d.TotalTrials()
	if total == 0 {
		return 0
	}
	return int(clamp(math.Round(float64(d.CompletedTrials()) / float64(total) * 100)))
}

// Exact is the unrounded weighted sum of the rows, clamped to [0, 100].
func (d ToolingDetail) Exact() float64 {
	var sum float64
	for _, w := range weightTable {
		sum += float64(d.RowProgress(w.Row) * w.Weight)
	}
	return clamp(sum / 100)
}

// OverallProgress is the locally computed tooling percentage, rounded.
func (d ToolingDetail) OverallProgress() int {
	return int(math.Round(d.Exact()))
}

// Effective is the value the tooling sub-process contributes to its process:
// the persisted value while the detail is untouched, the local computation
// once any field has been edited.
func (d ToolingDetail) Effective() float64 {
	if d.Persisted != nil && !d.Edited && validNumber(d.Persisted) {
		return clamp(*d.Persisted)
	}
	return d.Exact()
}

// Completed reports whether the tooling detail has reached 100%.
func (d ToolingDetail) Completed() bool {
	return math.Round(d.Effective()) == 100
}

// resizeTrials grows or shrinks the trial set to n records and reports
// whether anything changed.
func (d *ToolingDetail) resizeTrials(n int) bool {
	n = boundTrials(n)
	if n == d.TrialCount && len(d.Trials) == n {
		return false
	}
	d.rebuildTrials(n)
	return true
}

// rebuildTrials keeps the first n records, pads with unnamed incomplete
// trials, numbers them from 1 and spreads the Trial row weight equally.
func (d *ToolingDetail) rebuildTrials(n int) {
	trials := make([]Trial, n)
	for i := range trials {
		if i < len(d.Trials) {
			trials[i] = d.Trials[i]
		} else {
			trials[i] = Trial{Name: fmt.Sprintf("Trial %d", i+1)}
		}
		trials[i].Index = i + 1
		trials[i].Weight = float64(WeightOf(RowTrial)) / float64(n)
	}
	d.Trials = trials
	d.TrialCount = n
}

// NormalizeTrials orders the trial records by index, pads them to
// TrialCount and assigns equal weights. Used when trial records and the
// detail's count are loaded separately.
func (d *ToolingDetail) NormalizeTrials() {
	sort.SliceStable(d.Trials, func(i, j int) bool {
		return d.Trials[i].Index < d.Trials[j].Index
	})
	d.rebuildTrials(boundTrials(d.TotalTrials()))
}

func boundTrials(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxTrials {
		return MaxTrials
	}
	return n
}

// ParseQuantity parses a material quantity typed by a user. Blank, non-numeric,
// NaN and infinite input yields nil, which evaluates as unset.
func ParseQuantity(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func validNumber(f *float64) bool {
	return f != nil && !math.IsNaN(*f) && !math.IsInf(*f, 0)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func sameQuantity(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
