package types

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/foundry/pkg/progress"
)

// NewPart is the input type for creating a part with its whole tree.
type NewPart struct {
	Name       string        `json:"name" yaml:"name"`
	Number     string        `json:"number" yaml:"number"`
	Customer   string        `json:"customer" yaml:"customer"`
	ImageRef   string        `json:"imageRef,omitempty" yaml:"image_ref,omitempty"`
	Categories []NewCategory `json:"categories" yaml:"categories"`
}

// NewCategory is a category of a part being created.
type NewCategory struct {
	Name      string       `json:"name" yaml:"name"`
	Processes []NewProcess `json:"processes" yaml:"processes"`
}

// NewProcess is a process of a part being created.
type NewProcess struct {
	Name         string          `json:"name" yaml:"name"`
	Notes        string          `json:"notes,omitempty" yaml:"notes,omitempty"`
	SubProcesses []NewSubProcess `json:"subProcesses,omitempty" yaml:"sub_processes,omitempty"`
}

// NewSubProcess is a sub-process of a part being created. Kind may be left
// empty; it is then resolved from the name.
type NewSubProcess struct {
	Name string        `json:"name" yaml:"name"`
	Kind progress.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// PartListResponse is the response of GET /parts.
type PartListResponse struct {
	Parts []progress.Part `json:"parts"`
}

// MarshalJSON ensures a nil part list marshals as [] not null.
func (r PartListResponse) MarshalJSON() ([]byte, error) {
	if r.Parts == nil {
		r.Parts = []progress.Part{}
	}
	type Alias PartListResponse
	return json.Marshal(Alias(r))
}

// UpdateProcessRequest is the body of PATCH /parts/{id}/processes/{processId}.
// Nil fields are left unchanged.
type UpdateProcessRequest struct {
	CategoryID string  `json:"categoryId"`
	Completed  *bool   `json:"completed,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// UpdateSubProcessRequest is the body of PATCH /parts/{id}/sub-processes/{subProcessId}.
type UpdateSubProcessRequest struct {
	CategoryID string `json:"categoryId"`
	ProcessID  string `json:"processId"`
	Completed  bool   `json:"completed"`
}

// ToolingDetailRecord is the persisted form of a tooling detail, as read from
// and written to /progress-tooling-detail. Trial records travel separately.
type ToolingDetailRecord struct {
	progress.ToolingKey
	DesignTooling   bool       `json:"designTooling"`
	Machining1      bool       `json:"machining1"`
	Machining2      bool       `json:"machining2"`
	Machining3      bool       `json:"machining3"`
	Assy            bool       `json:"assy"`
	Approval        bool       `json:"approval"`
	MaterialActual  *float64   `json:"materialActual"`
	MaterialPlanned *float64   `json:"materialPlanned"`
	TrialCount      int        `json:"trialCount"`
	OverallProgress float64    `json:"overallProgress"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// NewToolingDetailRecord captures the persistable fields of d. The client's
// own computation goes into OverallProgress.
func NewToolingDetailRecord(key progress.ToolingKey, d progress.ToolingDetail) ToolingDetailRecord {
	return ToolingDetailRecord{
		ToolingKey:      key,
		DesignTooling:   d.DesignTooling,
		Machining1:      d.Machining1,
		Machining2:      d.Machining2,
		Machining3:      d.Machining3,
		Assy:            d.Assy,
		Approval:        d.Approval,
		MaterialActual:  d.MaterialActual,
		MaterialPlanned: d.MaterialPlanned,
		TrialCount:      d.TotalTrials(),
		OverallProgress: float64(d.OverallProgress()),
	}
}

// Detail converts the record into an untouched detail whose persisted value
// is the record's overallProgress.
func (r ToolingDetailRecord) Detail(trials []progress.Trial) *progress.ToolingDetail {
	overall := r.OverallProgress
	d := &progress.ToolingDetail{
		DesignTooling:   r.DesignTooling,
		Machining1:      r.Machining1,
		Machining2:      r.Machining2,
		Machining3:      r.Machining3,
		Assy:            r.Assy,
		Approval:        r.Approval,
		MaterialActual:  r.MaterialActual,
		MaterialPlanned: r.MaterialPlanned,
		TrialCount:      r.TrialCount,
		Trials:          append([]progress.Trial(nil), trials...),
		Persisted:       &overall,
	}
	d.NormalizeTrials()
	return d
}

// TrialSet is the body and response of /progress-tooling-trials. Its key
// carries no sub-process id.
type TrialSet struct {
	progress.ToolingKey
	Trials []progress.Trial `json:"trials"`
}

// MarshalJSON ensures a nil trial list marshals as [] not null.
func (t TrialSet) MarshalJSON() ([]byte, error) {
	if t.Trials == nil {
		t.Trials = []progress.Trial{}
	}
	type Alias TrialSet
	return json.Marshal(Alias(t))
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string     `json:"status"`
	Version      string     `json:"version"`
	PartCount    int64      `json:"part_count"`
	LastSnapshot *time.Time `json:"last_snapshot"`
}

// StoreStats holds aggregate store statistics.
type StoreStats struct {
	PartCount    int64      `json:"part_count"`
	LastSnapshot *time.Time `json:"last_snapshot,omitempty"`
}
