package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"

	"github.com/go-resty/resty/v2"
)

// Client talks to a running orchestrator's management API
type Client struct {
	http *resty.Client
}

// APIError is a non-2xx answer from the management API
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("management API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("management API returned %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API at address, which may omit the scheme
func NewClient(address string, timeout time.Duration) *Client {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(address, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query map[string][]string, result interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&APIError{})
	if result != nil {
		req.SetResult(result)
	}
	for key, values := range query {
		for _, v := range values {
			req.QueryParam.Add(key, v)
		}
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return backup.NewStorageUnavailableError(fmt.Sprintf("cannot reach management API at %s", c.http.BaseURL), err)
	}
	if resp.IsError() {
		apiErr, _ := resp.Error().(*APIError)
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	return nil
}

// Status returns the scheduler status
func (c *Client) Status(ctx context.Context) (*backup.SchedulerStatus, error) {
	var status backup.SchedulerStatus
	if err := c.do(ctx, http.MethodGet, "/api/scheduler/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartScheduler enables periodic checks
func (c *Client) StartScheduler(ctx context.Context) (string, error) {
	return c.action(ctx, "/api/scheduler/start")
}

// StopScheduler disables periodic checks
func (c *Client) StopScheduler(ctx context.Context) (string, error) {
	return c.action(ctx, "/api/scheduler/stop")
}

func (c *Client) action(ctx context.Context, path string) (string, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// ForceCheck runs one scheduler pass immediately
func (c *Client) ForceCheck(ctx context.Context) (*backup.TickReport, error) {
	var report backup.TickReport
	if err := c.do(ctx, http.MethodPost, "/api/scheduler/check", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RunTenant starts a manual backup and waits for its outcome
func (c *Client) RunTenant(ctx context.Context, tenantID string) (*backup.BackupRecord, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/tenants/"+tenantID+"/backup", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// TenantStats reports the tenant's retained snapshots
func (c *Client) TenantStats(ctx context.Context, tenantID string) (*backup.StorageStats, error) {
	var stats backup.StorageStats
	if err := c.do(ctx, http.MethodGet, "/api/tenants/"+tenantID+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

type listResult[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// ListRecords returns records newest first
func (c *Client) ListRecords(ctx context.Context, filter backup.RecordFilter) ([]*backup.BackupRecord, error) {
	query := map[string][]string{}
	if filter.TenantID != "" {
		query["tenant"] = []string{filter.TenantID}
	}
	for _, s := range filter.Statuses {
		query["status"] = append(query["status"], string(s))
	}
	if filter.Limit > 0 {
		query["limit"] = []string{strconv.Itoa(filter.Limit)}
	}

	var result listResult[*backup.BackupRecord]
	if err := c.do(ctx, http.MethodGet, "/api/records", query, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// GetRecord returns one record with its stored validation result
func (c *Client) GetRecord(ctx context.Context, id string) (*RecordResponse, error) {
	var resp RecordResponse
	if err := c.do(ctx, http.MethodGet, "/api/records/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateRecord re-checks a snapshot on disk
func (c *Client) ValidateRecord(ctx context.Context, id string) (*backup.ValidationResult, error) {
	var result backup.ValidationResult
	if err := c.do(ctx, http.MethodPost, "/api/records/"+id+"/validate", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Retries lists pending retry entries
func (c *Client) Retries(ctx context.Context) ([]*backup.RetryEntry, error) {
	var result listResult[*backup.RetryEntry]
	if err := c.do(ctx, http.MethodGet, "/api/retries", nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Logs returns the newest audit entries
func (c *Client) Logs(ctx context.Context, limit int) ([]*backup.LogEntry, error) {
	query := map[string][]string{}
	if limit > 0 {
		query["limit"] = []string{strconv.Itoa(limit)}
	}
	var result listResult[*backup.LogEntry]
	if err := c.do(ctx, http.MethodGet, "/api/logs", query, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}
