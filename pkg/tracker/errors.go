package tracker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/foundry/pkg/progress"
)

var (
	// ErrClosed is returned by operations on a closed session or board.
	ErrClosed = errors.New("tracker: session closed")
	// ErrNothingToSave is returned by Save when no edits are pending.
	ErrNothingToSave = errors.New("tracker: nothing to save")
)

// APIError is an RFC 7807 problem returned by the server.
type APIError struct {
	Status int          `json:"status"`
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError is one field-level validation failure of a 422 problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// SaveError reports the write that failed during Save. The session keeps its
// edits and stays Unsynced, so the save can be retried.
type SaveError struct {
	Target progress.Target
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s %s: %v", e.Target.Kind, e.Target.Key, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
