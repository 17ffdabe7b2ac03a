package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

var toolKey = progress.ToolingKey{PartID: "part-1", CategoryID: "cat-tooling", ProcessID: "proc-die", SubProcessID: "sub-tool"}

func samplePart(id string) progress.Part {
	return progress.Part{
		ID:   id,
		Name: "Bracket",
		Categories: []progress.Category{
			{
				ID:   "cat-tooling",
				Name: "Tooling",
				Processes: []progress.Process{
					{
						ID:   "proc-die",
						Name: "Die",
						SubProcesses: []progress.SubProcess{
							{ID: "sub-design", Name: "Design", Kind: progress.KindOrdinary},
							{ID: "sub-tool", Name: progress.ToolingName, Kind: progress.KindTooling},
						},
					},
					{ID: "proc-review", Name: "Review"},
				},
			},
		},
	}
}

// fakeBackend is an in-memory Backend that records the writes it receives.
type fakeBackend struct {
	mu      sync.Mutex
	parts   map[string]progress.Part
	overall *float64
	details map[progress.ToolingKey]types.ToolingDetailRecord
	trials  map[progress.ToolingKey][]progress.Trial

	detailErr  error
	detailGets int
	failKind   progress.TargetKind
	failErr    error

	calls       []progress.TargetKind
	inFlight    int
	maxInFlight int
	block       chan struct{}
	started     chan struct{}
	startOnce   sync.Once
}

func newFakeBackend(parts ...progress.Part) *fakeBackend {
	f := &fakeBackend{
		parts:   map[string]progress.Part{},
		details: map[progress.ToolingKey]types.ToolingDetailRecord{},
		trials:  map[progress.ToolingKey][]progress.Trial{},
		started: make(chan struct{}),
	}
	for _, p := range parts {
		f.parts[p.ID] = p
	}
	return f
}

func (f *fakeBackend) ListParts(ctx context.Context) ([]progress.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []progress.Part
	for _, p := range f.parts {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (f *fakeBackend) GetPart(ctx context.Context, id string) (*progress.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parts[id]
	if !ok {
		return nil, &APIError{Status: 404, Detail: "Resource not found"}
	}
	out := progress.DeriveCompletion(p.Clone())
	if f.overall != nil {
		v := *f.overall
		out.OverallProgress = &v
	}
	return &out, nil
}

// enter simulates a write round trip: it records the call, honours the
// failure switch and waits on block when set.
func (f *fakeBackend) enter(ctx context.Context, kind progress.TargetKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.startOnce.Do(func() { close(f.started) })

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.calls = append(f.calls, kind)
	if f.failKind == kind && f.failErr != nil {
		return f.failErr
	}
	return nil
}

func (f *fakeBackend) UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error) {
	if err := f.enter(ctx, progress.TargetProcess); err != nil {
		return nil, err
	}
	f.mu.Lock()
	p := f.parts[partID]
	if proc := p.Process(req.CategoryID, processID); proc != nil {
		if req.Completed != nil && !proc.HasChildren() {
			proc.Completed = *req.Completed
		}
		if req.Notes != nil {
			proc.Notes = *req.Notes
		}
	}
	f.mu.Unlock()
	return f.GetPart(ctx, partID)
}

func (f *fakeBackend) UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error) {
	if err := f.enter(ctx, progress.TargetSubProcess); err != nil {
		return nil, err
	}
	f.mu.Lock()
	p := f.parts[partID]
	key := progress.ToolingKey{PartID: partID, CategoryID: req.CategoryID, ProcessID: req.ProcessID, SubProcessID: subProcessID}
	if sub := p.SubProcess(key); sub != nil {
		sub.Completed = req.Completed
	}
	f.mu.Unlock()
	return f.GetPart(ctx, partID)
}

func (f *fakeBackend) GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailGets++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	rec, ok := f.details[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeBackend) PutToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error) {
	if err := f.enter(ctx, progress.TargetTooling); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := rec.Detail(f.trials[rec.ToolingKey.TrialScope()])
	d.Persisted = nil
	rec.OverallProgress = d.Exact()
	f.details[rec.ToolingKey] = rec
	return &rec, nil
}

func (f *fakeBackend) GetTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return append([]progress.Trial(nil), f.trials[scope.TrialScope()]...), nil
}

func (f *fakeBackend) PutTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error) {
	if err := f.enter(ctx, progress.TargetTrials); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trials[set.ToolingKey.TrialScope()] = append([]progress.Trial(nil), set.Trials...)
	return set.Trials, nil
}

func (f *fakeBackend) writes() []progress.TargetKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.TargetKind(nil), f.calls...)
}

func (f *fakeBackend) setFailure(kind progress.TargetKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKind = kind
	f.failErr = err
}

var errUnreachable = errors.New("dial tcp: connection refused")

func ptr(v float64) *float64 { return &v }
