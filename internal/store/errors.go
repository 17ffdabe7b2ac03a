package store

import "errors"

var (
	ErrNotFound             = errors.New("resource not found")
	ErrNotTooling           = errors.New("sub-process is not a tooling sub-process")
	ErrToolingNotToggleable = errors.New("tooling sub-process completion is derived from its tooling detail")
	ErrSnapshotNotAvailable = errors.New("snapshot not available")
)
