package validation

import (
	"fmt"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

const (
	MaxNameLength  = 200
	MaxLabelLength = 100
	MaxNotesLength = 4000
	MaxImageRef    = 2048
	MaxCategories  = 100
	MaxProcesses   = 200
)

var kinds = []string{string(progress.KindOrdinary), string(progress.KindTooling)}

// ValidateNewPart checks a part creation request and its whole tree.
func ValidateNewPart(p types.NewPart) []ValidationError {
	var c Collector
	validateText(&c, "name", p.Name, MaxNameLength, true)
	validateText(&c, "number", p.Number, MaxLabelLength, false)
	validateText(&c, "customer", p.Customer, MaxNameLength, false)
	validateText(&c, "imageRef", p.ImageRef, MaxImageRef, false)

	if len(p.Categories) > MaxCategories {
		c.Add(&ValidationError{Field: "categories", Message: fmt.Sprintf("must not exceed %d entries", MaxCategories)})
	}
	for ci, cat := range p.Categories {
		cf := fmt.Sprintf("categories[%d]", ci)
		validateText(&c, cf+".name", cat.Name, MaxNameLength, true)
		if len(cat.Processes) > MaxProcesses {
			c.Add(&ValidationError{Field: cf + ".processes", Message: fmt.Sprintf("must not exceed %d entries", MaxProcesses)})
		}
		for pi, proc := range cat.Processes {
			pf := fmt.Sprintf("%s.processes[%d]", cf, pi)
			validateText(&c, pf+".name", proc.Name, MaxNameLength, true)
			validateText(&c, pf+".notes", proc.Notes, MaxNotesLength, false)
			for si, sub := range proc.SubProcesses {
				sf := fmt.Sprintf("%s.subProcesses[%d]", pf, si)
				validateText(&c, sf+".name", sub.Name, MaxNameLength, true)
				if sub.Kind != "" {
					c.Add(ValidateEnum(sf+".kind", string(sub.Kind), kinds))
				}
			}
		}
	}
	return c.Errors()
}

// ValidateUpdateProcess checks a process update request.
func ValidateUpdateProcess(req types.UpdateProcessRequest) []ValidationError {
	var c Collector
	if req.Completed == nil && req.Notes == nil {
		c.Add(&ValidationError{Field: "body", Message: "must set completed or notes"})
	}
	if req.Notes != nil {
		validateText(&c, "notes", *req.Notes, MaxNotesLength, false)
	}
	return c.Errors()
}

// ValidateToolingKey checks that every level of a tooling key is present.
// Trial scopes pass withSubProcess false.
func ValidateToolingKey(key progress.ToolingKey, withSubProcess bool) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("partId", key.PartID))
	c.Add(ValidateRequired("categoryId", key.CategoryID))
	c.Add(ValidateRequired("processId", key.ProcessID))
	if withSubProcess {
		c.Add(ValidateRequired("subProcessId", key.SubProcessID))
	}
	return c.Errors()
}

// ValidateToolingDetail checks a tooling detail write.
func ValidateToolingDetail(rec types.ToolingDetailRecord) []ValidationError {
	errs := ValidateToolingKey(rec.ToolingKey, true)
	c := Collector{errors: errs}
	c.Add(ValidateFinite("materialActual", rec.MaterialActual))
	c.Add(ValidateFinite("materialPlanned", rec.MaterialPlanned))
	c.Add(ValidateIntRange("trialCount", rec.TrialCount, 0, progress.MaxTrials))
	return c.Errors()
}

// ValidateTrialSet checks a trial set write. Indices must be positive and unique.
func ValidateTrialSet(set types.TrialSet) []ValidationError {
	errs := ValidateToolingKey(set.ToolingKey, false)
	c := Collector{errors: errs}
	if len(set.Trials) > progress.MaxTrials {
		c.Add(&ValidationError{Field: "trials", Message: fmt.Sprintf("must not exceed %d entries", progress.MaxTrials)})
	}
	seen := make(map[int]bool, len(set.Trials))
	for i, t := range set.Trials {
		f := fmt.Sprintf("trials[%d]", i)
		validateText(&c, f+".name", t.Name, MaxNameLength, false)
		if t.Index < 1 {
			c.Add(&ValidationError{Field: f + ".index", Message: "must be at least 1"})
		} else if seen[t.Index] {
			c.Add(&ValidationError{Field: f + ".index", Message: "must be unique"})
		}
		seen[t.Index] = true
	}
	return c.Errors()
}
