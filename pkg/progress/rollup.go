package progress

import "math"

// SubProcessProgress is the evaluated state of one sub-process.
type SubProcessProgress struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Percent   float64 `json:"percent"` // unrounded for tooling
	Completed bool    `json:"completed"`
	Source    Source  `json:"source,omitempty"`
	Pending   bool    `json:"pending,omitempty"` // tooling detail not loaded yet
}

// ProcessProgress is the evaluated state of one process.
type ProcessProgress struct {
	ID           string               `json:"id"`
	Percent      int                  `json:"percent"`
	Completed    bool                 `json:"completed"`
	Derived      bool                 `json:"derived"`
	SubProcesses []SubProcessProgress `json:"subProcesses,omitempty"`
}

// CategoryProgress is the evaluated state of one category.
type CategoryProgress struct {
	ID        string            `json:"id"`
	Percent   int               `json:"percent"`
	Processes []ProcessProgress `json:"processes"`
}

// PartProgress is the evaluated state of a whole part.
type PartProgress struct {
	ID string `json:"id"`
	// Percent is what gets displayed: the backend overallProgress when the
	// part carries one, otherwise Estimate.
	Percent    float64            `json:"percent"`
	Estimate   int                `json:"estimate"`
	Estimated  bool               `json:"estimated"`
	Categories []CategoryProgress `json:"categories"`
}

// LeafProgress evaluates a sub-process to [0, 100]. Ordinary sub-processes
// give 100 or 0; tooling sub-processes give their detail's effective value,
// unrounded, or 0 when no detail is known.
func LeafProgress(s SubProcess) float64 {
	switch s.Kind {
	case KindTooling:
		if s.Tooling == nil {
			return 0
		}
		return s.Tooling.Effective()
	default:
		if s.Completed {
			return 100
		}
		return 0
	}
}

// ProcessPercent is the effective progress of a process: its own flag when it
// has no children, otherwise the rounded equal-weight average of its children.
func ProcessPercent(p Process) int {
	if !p.HasChildren() {
		if p.Completed {
			return 100
		}
		return 0
	}
	var sum float64
	for _, s := range p.SubProcesses {
		sum += LeafProgress(s)
	}
	return roundPercent(sum / float64(len(p.SubProcesses)))
}

// CategoryPercent is the rounded equal-weight average of the category's processes.
func CategoryPercent(c Category) int {
	if len(c.Processes) == 0 {
		return 0
	}
	var sum float64
	for _, p := range c.Processes {
		sum += float64(ProcessPercent(p))
	}
	return roundPercent(sum / float64(len(c.Processes)))
}

// EstimatePercent is the client-side part estimate: the rounded equal-weight
// average of the part's categories.
func EstimatePercent(p Part) int {
	if len(p.Categories) == 0 {
		return 0
	}
	var sum float64
	for _, c := range p.Categories {
		sum += float64(CategoryPercent(c))
	}
	return roundPercent(sum / float64(len(p.Categories)))
}

// DisplayPercent is the part-level value to show: the backend value exactly
// when present, the local estimate otherwise.
func DisplayPercent(p Part) (percent float64, estimated bool) {
	if validNumber(p.OverallProgress) {
		return *p.OverallProgress, false
	}
	return float64(EstimatePercent(p)), true
}

// Rollup evaluates every level of the part. It is a pure function of the
// tree: calling it twice on the same tree yields identical results.
func Rollup(p Part) PartProgress {
	out := PartProgress{
		ID:         p.ID,
		Estimate:   EstimatePercent(p),
		Categories: make([]CategoryProgress, 0, len(p.Categories)),
	}
	out.Percent, out.Estimated = DisplayPercent(p)

	for _, c := range p.Categories {
		cp := CategoryProgress{
			ID:        c.ID,
			Percent:   CategoryPercent(c),
			Processes: make([]ProcessProgress, 0, len(c.Processes)),
		}
		for _, proc := range c.Processes {
			pp := ProcessProgress{
				ID:        proc.ID,
				Percent:   ProcessPercent(proc),
				Completed: proc.Completed,
				Derived:   proc.HasChildren(),
			}
			if pp.Derived {
				pp.Completed = pp.Percent == 100
			}
			for _, s := range proc.SubProcesses {
				pp.SubProcesses = append(pp.SubProcesses, subProcessProgress(s))
			}
			cp.Processes = append(cp.Processes, pp)
		}
		out.Categories = append(out.Categories, cp)
	}
	return out
}

func subProcessProgress(s SubProcess) SubProcessProgress {
	sp := SubProcessProgress{
		ID:      s.ID,
		Kind:    s.Kind,
		Percent: LeafProgress(s),
	}
	if s.IsTooling() {
		if s.Tooling == nil {
			sp.Pending = true
		} else {
			sp.Source = s.Tooling.Source
			sp.Completed = s.Tooling.Completed()
		}
		return sp
	}
	sp.Completed = s.Completed
	return sp
}

// deriveCompletion rewrites every derived completion flag of the part:
// tooling sub-processes with a loaded detail, and processes with children.
func (p *Part) deriveCompletion() {
	for i := range p.Categories {
		for j := range p.Categories[i].Processes {
			proc := &p.Categories[i].Processes[j]
			if !proc.HasChildren() {
				continue
			}
			for k := range proc.SubProcesses {
				s := &proc.SubProcesses[k]
				if s.IsTooling() && s.Tooling != nil {
					s.Completed = s.Tooling.Completed()
				}
			}
			proc.Completed = ProcessPercent(*proc) == 100
		}
	}
}

// DeriveCompletion returns a copy of the part with every derived completion
// flag recomputed. The backend applies it before persisting a tree.
func DeriveCompletion(p Part) Part {
	out := p.Clone()
	out.deriveCompletion()
	return out
}

func roundPercent(v float64) int {
	return int(math.Round(clamp(v)))
}
