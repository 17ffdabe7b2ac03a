package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// Config holds the client configuration.
type Config struct {
	ServerURL  string        // Foundry server base URL
	APIKey     string        // API key for authentication
	Timeout    time.Duration // Per-request timeout (default: 10 seconds)
	HTTPClient *http.Client  // Optional; overrides Timeout
}

// Backend is the server surface a Session reads from and writes to. *Client
// implements it.
type Backend interface {
	ListParts(ctx context.Context) ([]progress.Part, error)
	GetPart(ctx context.Context, id string) (*progress.Part, error)
	UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error)
	UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error)
	GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error)
	PutToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error)
	GetTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error)
	PutTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error)
}

// Client talks to the Foundry REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a new Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("ServerURL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}, nil
}

// Health fetches the server health report. It needs no API key.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListParts returns every part with its tree.
func (c *Client) ListParts(ctx context.Context) ([]progress.Part, error) {
	var out types.PartListResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/parts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Parts, nil
}

// GetPart returns one part with its tree and backend overall progress.
func (c *Client) GetPart(ctx context.Context, id string) (*progress.Part, error) {
	var out progress.Part
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/parts/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePart creates a part with its whole tree.
func (c *Client) CreatePart(ctx context.Context, part types.NewPart) (*progress.Part, error) {
	var out progress.Part
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/parts", nil, part, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePart deletes a part and everything under it.
func (c *Client) DeletePart(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/parts/"+url.PathEscape(id), nil, nil, nil)
	return err
}

// UpdateProcess writes a process's completion and notes.
func (c *Client) UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error) {
	var out progress.Part
	path := "/api/v1/parts/" + url.PathEscape(partID) + "/processes/" + url.PathEscape(processID)
	if _, err := c.do(ctx, http.MethodPatch, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubProcess writes an ordinary sub-process's completion.
func (c *Client) UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error) {
	var out progress.Part
	path := "/api/v1/parts/" + url.PathEscape(partID) + "/sub-processes/" + url.PathEscape(subProcessID)
	if _, err := c.do(ctx, http.MethodPatch, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetToolingDetail returns the saved tooling detail at key, or nil when none
// has been saved yet.
func (c *Client) GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error) {
	var out types.ToolingDetailRecord
	status, err := c.do(ctx, http.MethodGet, "/api/v1/progress-tooling-detail", keyQuery(key), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// PutToolingDetail saves a tooling detail and returns the server's record,
// whose overallProgress is the server's own computation.
func (c *Client) PutToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error) {
	var out types.ToolingDetailRecord
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/progress-tooling-detail", nil, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrials returns the trial set of a process.
func (c *Client) GetTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error) {
	var out types.TrialSet
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/progress-tooling-trials", keyQuery(scope.TrialScope()), nil, &out); err != nil {
		return nil, err
	}
	return out.Trials, nil
}

// PutTrials replaces the trial set of a process.
func (c *Client) PutTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error) {
	set.ToolingKey = set.ToolingKey.TrialScope()
	var out types.TrialSet
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/progress-tooling-trials", nil, set, &out); err != nil {
		return nil, err
	}
	return out.Trials, nil
}

func keyQuery(k progress.ToolingKey) url.Values {
	q := url.Values{}
	q.Set("partId", k.PartID)
	q.Set("categoryId", k.CategoryID)
	q.Set("processId", k.ProcessID)
	if k.SubProcessID != "" {
		q.Set("subProcessId", k.SubProcessID)
	}
	return q
}

// do sends an authenticated request and decodes a JSON response into out.
// Error statuses are returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeProblem(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func decodeProblem(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
