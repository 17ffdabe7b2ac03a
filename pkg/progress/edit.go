package progress

import "strings"

// Edit is a change to a part tree. Edits are applied with Apply, which never
// mutates the tree it is given.
type Edit interface {
	apply(p *Part) bool
	// Targets lists the backend records that must be written to persist the edit.
	Targets(partID string) []Target
}

// TargetKind names the backend record a pending write goes to.
type TargetKind string

const (
	TargetProcess    TargetKind = "process"
	TargetSubProcess TargetKind = "sub_process"
	TargetTooling    TargetKind = "tooling_detail"
	TargetTrials     TargetKind = "tooling_trials"
)

// Target is one backend record awaiting a write. Key carries the ids needed
// to address it; unused levels are empty.
type Target struct {
	Kind TargetKind
	Key  ToolingKey
}

// ToggleSubProcess flips an ordinary sub-process. Tooling sub-processes
// cannot be toggled and the edit is a no-op for them.
type ToggleSubProcess struct {
	CategoryID   string
	ProcessID    string
	SubProcessID string
}

func (e ToggleSubProcess) apply(p *Part) bool {
	s := p.SubProcess(e.key(p.ID))
	if s == nil || s.IsTooling() {
		return false
	}
	s.Completed = !s.Completed
	return true
}

func (e ToggleSubProcess) key(partID string) ToolingKey {
	return ToolingKey{PartID: partID, CategoryID: e.CategoryID, ProcessID: e.ProcessID, SubProcessID: e.SubProcessID}
}

func (e ToggleSubProcess) Targets(partID string) []Target {
	k := e.key(partID)
	return []Target{{Kind: TargetSubProcess, Key: k}, processTarget(k)}
}

// ToggleProcess flips a process without children. A process with children
// derives its completion and the edit is a no-op for it.
type ToggleProcess struct {
	CategoryID string
	ProcessID  string
}

func (e ToggleProcess) apply(p *Part) bool {
	proc := p.Process(e.CategoryID, e.ProcessID)
	if proc == nil || proc.HasChildren() {
		return false
	}
	proc.Completed = !proc.Completed
	return true
}

func (e ToggleProcess) Targets(partID string) []Target {
	return []Target{{Kind: TargetProcess, Key: ToolingKey{PartID: partID, CategoryID: e.CategoryID, ProcessID: e.ProcessID}}}
}

// SetProcessNotes replaces a process's free-form notes.
type SetProcessNotes struct {
	CategoryID string
	ProcessID  string
	Notes      string
}

func (e SetProcessNotes) apply(p *Part) bool {
	proc := p.Process(e.CategoryID, e.ProcessID)
	if proc == nil || proc.Notes == e.Notes {
		return false
	}
	proc.Notes = e.Notes
	return true
}

func (e SetProcessNotes) Targets(partID string) []Target {
	return []Target{{Kind: TargetProcess, Key: ToolingKey{PartID: partID, CategoryID: e.CategoryID, ProcessID: e.ProcessID}}}
}

// SetToolingCheck sets one of the six milestone checkboxes.
type SetToolingCheck struct {
	Key     ToolingKey
	Row     Row
	Checked bool
}

func (e SetToolingCheck) apply(p *Part) bool {
	d := editableTooling(p, e.Key)
	if d == nil {
		return false
	}
	return d.setChecked(e.Row, e.Checked)
}

func (e SetToolingCheck) Targets(string) []Target {
	return toolingTargets(e.Key, false)
}

// SetMaterial sets the raw material pair from user input. Input that does not
// parse as a number is stored as unset.
type SetMaterial struct {
	Key     ToolingKey
	Actual  string
	Planned string
}

func (e SetMaterial) apply(p *Part) bool {
	d := editableTooling(p, e.Key)
	if d == nil {
		return false
	}
	actual, planned := ParseQuantity(e.Actual), ParseQuantity(e.Planned)
	if sameQuantity(d.MaterialActual, actual) && sameQuantity(d.MaterialPlanned, planned) {
		return false
	}
	d.MaterialActual, d.MaterialPlanned = actual, planned
	return true
}

func (e SetMaterial) Targets(string) []Target {
	return toolingTargets(e.Key, false)
}

// SetTrialCount resizes the trial set, keeping existing records.
type SetTrialCount struct {
	Key   ToolingKey
	Count int
}

func (e SetTrialCount) apply(p *Part) bool {
	d := editableTooling(p, e.Key)
	if d == nil {
		return false
	}
	return d.resizeTrials(e.Count)
}

func (e SetTrialCount) Targets(string) []Target {
	return toolingTargets(e.Key, true)
}

// ToggleTrial flips the trial with the given 1-based index.
type ToggleTrial struct {
	Key   ToolingKey
	Index int
}

func (e ToggleTrial) apply(p *Part) bool {
	d := editableTooling(p, e.Key)
	if d == nil {
		return false
	}
	for i := range d.Trials {
		if d.Trials[i].Index == e.Index {
			d.Trials[i].Completed = !d.Trials[i].Completed
			return true
		}
	}
	return false
}

func (e ToggleTrial) Targets(string) []Target {
	return toolingTargets(e.Key, true)
}

// RenameTrial changes the display name of a trial.
type RenameTrial struct {
	Key   ToolingKey
	Index int
	Name  string
}

func (e RenameTrial) apply(p *Part) bool {
	d := editableTooling(p, e.Key)
	if d == nil {
		return false
	}
	name := strings.TrimSpace(e.Name)
	for i := range d.Trials {
		if d.Trials[i].Index == e.Index && name != "" && d.Trials[i].Name != name {
			d.Trials[i].Name = name
			return true
		}
	}
	return false
}

func (e RenameTrial) Targets(string) []Target {
	return []Target{{Kind: TargetTrials, Key: e.Key.TrialScope()}}
}

// ReplaceToolingDetail installs a detail loaded from the cache or the
// network. It is not a user edit: it neither marks the detail Edited nor
// invalidates the part's backend progress.
type ReplaceToolingDetail struct {
	Key    ToolingKey
	Detail *ToolingDetail
}

func (e ReplaceToolingDetail) apply(p *Part) bool {
	s := p.SubProcess(e.Key)
	if s == nil || !s.IsTooling() {
		return false
	}
	s.Tooling = e.Detail.Clone()
	return true
}

func (e ReplaceToolingDetail) Targets(string) []Target {
	return nil
}

// Apply returns the tree that results from applying e to p, and whether the
// edit changed anything. Derived completion flags are recomputed after every
// edit. A user edit also drops the part's backend progress, which no longer
// describes the tree; the display falls back to the local estimate until the
// backend reports again.
func Apply(p Part, e Edit) (Part, bool) {
	next := p.Clone()
	if !e.apply(&next) {
		return p, false
	}
	next.deriveCompletion()
	if _, load := e.(ReplaceToolingDetail); !load {
		next.OverallProgress = nil
	}
	return next, true
}

// editableTooling returns the tooling detail at key for a user edit, creating
// it on first use and marking it locally edited.
func editableTooling(p *Part, key ToolingKey) *ToolingDetail {
	s := p.SubProcess(key)
	if s == nil || !s.IsTooling() {
		return nil
	}
	if s.Tooling == nil {
		s.Tooling = &ToolingDetail{}
	}
	s.Tooling.Edited = true
	s.Tooling.Source = SourceLocal
	return s.Tooling
}

func processTarget(k ToolingKey) Target {
	k.SubProcessID = ""
	return Target{Kind: TargetProcess, Key: k}
}

func toolingTargets(k ToolingKey, trials bool) []Target {
	targets := []Target{{Kind: TargetTooling, Key: k}}
	if trials {
		targets = append(targets, Target{Kind: TargetTrials, Key: k.TrialScope()})
	}
	return append(targets, processTarget(k))
}
