// Package client is a small HTTP client for a running dirsync server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
)

// DefaultBaseURL points at a locally running server.
const DefaultBaseURL = "http://localhost:4000/v0"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Detail     string
	SessionID  string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected status: %s: %s", e.Status, e.Detail)
	}
	return "unexpected status: " + e.Status
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// Client talks to the dirsync REST API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClientFromEnv uses DIRSYNC_API_BASE_URL when set.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("DIRSYNC_API_BASE_URL"))
}

// NewClient constructs a client for baseURL, including the version prefix.
func NewClient(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, pathWithQuery string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.BaseURL+pathWithQuery, body)
}

func (c *Client) do(req *http.Request, out any) error {
	if out != nil {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// problem+json bodies carry a detail and, for conflicts, the running session
		var problem struct {
			Detail    string `json:"detail"`
			SessionID string `json:"sessionId"`
		}
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(errBody, &problem) != nil {
			problem.Detail = strings.TrimSpace(string(errBody))
		}
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Detail: problem.Detail, SessionID: problem.SessionID}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", in, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/ping", nil, nil)
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (*operations.Health, error) {
	var h operations.Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Version returns the server build information.
func (c *Client) Version(ctx context.Context) (*v0.VersionBody, error) {
	var v v0.VersionBody
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// JobStatus returns the snapshot of one job family.
func (c *Client) JobStatus(ctx context.Context, family jobs.Family) (*jobs.Snapshot, error) {
	var snap jobs.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(string(family)), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StartJob starts a job from a JSON request.
func (c *Client) StartJob(ctx context.Context, family jobs.Family, in v0.StartJobRequest) (*v0.StartJobResponse, error) {
	var out v0.StartJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(string(family)), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadOptions are the query parameters of a CSV upload.
type UploadOptions struct {
	ChunkSize    int
	Concurrency  int
	SessionID    string
	PopulationID string
}

// UploadCSV starts an import or delete from a CSV document.
func (c *Client) UploadCSV(ctx context.Context, family jobs.Family, csv io.Reader, opts UploadOptions) (*v0.StartJobResponse, error) {
	q := url.Values{}
	if opts.ChunkSize > 0 {
		q.Set("chunkSize", strconv.Itoa(opts.ChunkSize))
	}
	if opts.Concurrency > 0 {
		q.Set("concurrency", strconv.Itoa(opts.Concurrency))
	}
	if opts.SessionID != "" {
		q.Set("sessionId", opts.SessionID)
	}
	if opts.PopulationID != "" {
		q.Set("populationId", opts.PopulationID)
	}
	path := "/jobs/" + url.PathEscape(string(family)) + "/upload"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, csv)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/csv")
	var out v0.StartJobResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob requests cancellation of the running job.
func (c *Client) CancelJob(ctx context.Context, family jobs.Family) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(string(family))+"/cancel", nil, nil)
}

// ResetJob clears the state of a job family.
func (c *Client) ResetJob(ctx context.Context, family jobs.Family) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(string(family))+"/reset", nil, nil)
}

// DownloadExport writes the last export as CSV to w.
func (c *Client) DownloadExport(ctx context.Context, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/export/result", nil)
	if err != nil {
		return err
	}
	return c.do(req, w)
}

// WaitForJob polls until the job leaves the running state.
func (c *Client) WaitForJob(ctx context.Context, family jobs.Family, interval time.Duration, onProgress func(*jobs.Snapshot)) (*jobs.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := c.JobStatus(ctx, family)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(snap)
		}
		if snap.Status.IsTerminal() || snap.Status == jobs.StatusIdle {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}
