// Package progress implements the weighted hierarchical progress model of the
// tracker: parts contain categories, categories contain processes, processes
// contain sub-processes, and the "Progress Tooling" sub-process carries its own
// weighted checklist. Every function in this package is pure: evaluators and
// reducers never mutate their input, never panic on incomplete data, and never
// return errors.
package progress

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags the sub-process variant.
type Kind string

const (
	KindOrdinary Kind = "ordinary"
	KindTooling  Kind = "tooling"
)

// ToolingName is the display name the backend uses for tooling sub-processes.
const ToolingName = "Progress Tooling"

// KindForName resolves the variant tag from a sub-process name. It is only
// consulted at the wire boundary when the payload carries no explicit kind.
func KindForName(name string) Kind {
	if strings.EqualFold(strings.Join(strings.Fields(name), " "), ToolingName) {
		return KindTooling
	}
	return KindOrdinary
}

// Part is a manufacturing component with its own progress tree.
type Part struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Number          string     `json:"number"`
	Customer        string     `json:"customer"`
	ImageRef        string     `json:"imageRef,omitempty"`
	OverallProgress *float64   `json:"overallProgress,omitempty"` // backend-authoritative
	Categories      []Category `json:"categories"`
}

// Category groups processes. It has no completion state of its own.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Processes []Process `json:"processes"`
}

// Process is a unit of work. When it has sub-processes its Completed flag is
// derived from their rollup.
type Process struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Completed    bool              `json:"completed"`
	Notes        string            `json:"notes,omitempty"`
	SubProcesses []SubProcess      `json:"subProcesses,omitempty"`
	Evidence     []json.RawMessage `json:"evidence,omitempty"`
}

// HasChildren reports whether the process completion is derived.
func (p Process) HasChildren() bool {
	return len(p.SubProcesses) > 0
}

// SubProcess is either an ordinary toggleable leaf or a tooling sub-process
// whose completion comes entirely from its Tooling detail.
type SubProcess struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      Kind           `json:"kind"`
	Completed bool           `json:"completed"`
	Tooling   *ToolingDetail `json:"-"` // nil until loaded from cache or network
}

// UnmarshalJSON fills Kind from the name when the payload omits it.
func (s *SubProcess) UnmarshalJSON(data []byte) error {
	type alias SubProcess
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Kind {
	case KindOrdinary, KindTooling:
	case "":
		a.Kind = KindForName(a.Name)
	default:
		return fmt.Errorf("unknown sub-process kind %q", a.Kind)
	}
	*s = SubProcess(a)
	return nil
}

// IsTooling reports whether the sub-process is the tooling variant.
func (s SubProcess) IsTooling() bool {
	return s.Kind == KindTooling
}

// ToolingKey identifies one tooling detail: (part, category, process, sub-process).
type ToolingKey struct {
	PartID       string `json:"partId"`
	CategoryID   string `json:"categoryId"`
	ProcessID    string `json:"processId"`
	SubProcessID string `json:"subProcessId,omitempty"`
}

// String renders the key as a slash separated path, used as a cache key.
func (k ToolingKey) String() string {
	return k.PartID + "/" + k.CategoryID + "/" + k.ProcessID + "/" + k.SubProcessID
}

// TrialScope returns the key trials are stored under: trials belong to a
// process, not to a sub-process.
func (k ToolingKey) TrialScope() ToolingKey {
	k.SubProcessID = ""
	return k
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	out.OverallProgress = cloneFloat(p.OverallProgress)
	if p.Categories != nil {
		out.Categories = make([]Category, len(p.Categories))
		for i, c := range p.Categories {
			out.Categories[i] = c.clone()
		}
	}
	return out
}

func (c Category) clone() Category {
	out := c
	if c.Processes != nil {
		out.Processes = make([]Process, len(c.Processes))
		for i, p := range c.Processes {
			out.Processes[i] = p.clone()
		}
	}
	return out
}

func (p Process) clone() Process {
	out := p
	if p.SubProcesses != nil {
		out.SubProcesses = make([]SubProcess, len(p.SubProcesses))
		for i, s := range p.SubProcesses {
			s.Tooling = s.Tooling.Clone()
			out.SubProcesses[i] = s
		}
	}
	if p.Evidence != nil {
		out.Evidence = append([]json.RawMessage(nil), p.Evidence...)
	}
	return out
}

// ToolingKeys lists the keys of every tooling sub-process in the part, in tree order.
func (p Part) ToolingKeys() []ToolingKey {
	var keys []ToolingKey
	for _, c := range p.Categories {
		for _, proc := range c.Processes {
			for _, s := range proc.SubProcesses {
				if s.IsTooling() {
					keys = append(keys, ToolingKey{
						PartID:       p.ID,
						CategoryID:   c.ID,
						ProcessID:    proc.ID,
						SubProcessID: s.ID,
					})
				}
			}
		}
	}
	return keys
}

// Process returns the process at (categoryID, processID), or nil.
func (p *Part) Process(categoryID, processID string) *Process {
	for i := range p.Categories {
		c := &p.Categories[i]
		if c.ID != categoryID {
			continue
		}
		for j := range c.Processes {
			if c.Processes[j].ID == processID {
				return &c.Processes[j]
			}
		}
	}
	return nil
}

// SubProcess returns the sub-process addressed by key, or nil.
func (p *Part) SubProcess(key ToolingKey) *SubProcess {
	proc := p.Process(key.CategoryID, key.ProcessID)
	if proc == nil {
		return nil
	}
	for i := range proc.SubProcesses {
		if proc.SubProcesses[i].ID == key.SubProcessID {
			return &proc.SubProcesses[i]
		}
	}
	return nil
}

// Tooling returns the loaded tooling detail addressed by key, or nil.
func (p *Part) Tooling(key ToolingKey) *ToolingDetail {
	s := p.SubProcess(key)
	if s == nil || !s.IsTooling() {
		return nil
	}
	return s.Tooling
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
