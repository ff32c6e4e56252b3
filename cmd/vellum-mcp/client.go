package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ternarybob/vellum/internal/handlers"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/notify"
)

// apiError is a non-2xx answer from the vellum server
type apiError struct {
	Status  int
	Message string
	Job     *models.Job
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vellum returned status %d: %s", e.Status, e.Message)
}

// apiClient calls the vellum HTTP API. Reads are retried; run and cancel are sent once.
type apiClient struct {
	baseURL string
	http    *retryablehttp.Client
}

func newAPIClient(baseURL string) *apiClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil // keep stdio quiet for the MCP transport

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

func (c *apiClient) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	var out struct {
		Workflows []*models.Workflow `json:"workflows"`
	}
	if err := c.get(ctx, "/api/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *apiClient) GetWorkflow(ctx context.Context, workflowID string) (*handlers.WorkflowDetail, error) {
	var out handlers.WorkflowDetail
	if err := c.get(ctx, "/api/workflows/"+url.PathEscape(workflowID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) RunWorkflow(ctx context.Context, workflowID string, values map[string]string) (*models.Job, error) {
	body, err := json.Marshal(handlers.RunWorkflowRequest{Values: values})
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := c.send(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(workflowID)+"/run", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) ListJobs(ctx context.Context, workflowID, status string, limit int) ([]*notify.JobView, error) {
	query := url.Values{"limit": {fmt.Sprint(limit)}}
	if workflowID != "" {
		query.Set("workflow_id", workflowID)
	}
	if status != "" {
		query.Set("status", status)
	}
	var out struct {
		Jobs []*notify.JobView `json:"jobs"`
	}
	if err := c.get(ctx, "/api/jobs", query, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *apiClient) GetJob(ctx context.Context, jobID string) (*notify.JobView, error) {
	var out notify.JobView
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) CancelJob(ctx context.Context, jobID string) (*notify.JobView, error) {
	var out notify.JobView
	if err := c.send(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Queue(ctx context.Context) (*handlers.QueueResponse, error) {
	var out handlers.QueueResponse
	if err := c.get(ctx, "/api/queue", url.Values{"refresh": {"true"}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", path, err)
	}
	return decode(resp, out)
}

// send issues a single non-idempotent request without retries
func (c *apiClient) send(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return decode(resp, out)
}

func (c *apiClient) endpoint(path string, query url.Values) string {
	if len(query) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + query.Encode()
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string      `json:"error"`
			Job   *models.Job `json:"job"`
		}
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Job = body.Job
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
