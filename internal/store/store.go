package store

import (
	"context"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// Store defines the interface contract for all progress tracker storage operations.
type Store interface {
	ListParts(ctx context.Context) ([]progress.Part, error)
	GetPart(ctx context.Context, id string) (*progress.Part, error)
	CreatePart(ctx context.Context, part types.NewPart) (*progress.Part, error)
	DeletePart(ctx context.Context, id string) error
	UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error)
	UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error)
	GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error)
	UpsertToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error)
	ListTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error)
	UpsertTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error)
	RecomputeProgress(ctx context.Context) (int64, error)
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}
