package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
)

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(format string, args ...interface{}) *mcp.CallToolResult {
	result := textResult(fmt.Sprintf(format, args...))
	result.IsError = true
	return result
}

// handleListWorkflows implements the list_workflows tool
func handleListWorkflows(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflows, err := client.ListWorkflows(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("List workflows failed")
			return errorResult("Failed to list workflows: %v", err), nil
		}
		return textResult(formatWorkflows(workflows)), nil
	}
}

// handleGetWorkflow implements the get_workflow tool
func handleGetWorkflow(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := request.RequireString("workflow_id")
		if err != nil || workflowID == "" {
			return errorResult("Error: workflow_id parameter is required"), nil
		}

		detail, err := client.GetWorkflow(ctx, workflowID)
		if err != nil {
			logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Get workflow failed")
			return errorResult("Workflow not available: %v", err), nil
		}
		return textResult(formatWorkflowDetail(detail)), nil
	}
}

// handleRunWorkflow implements the run_workflow tool
func handleRunWorkflow(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := request.RequireString("workflow_id")
		if err != nil || workflowID == "" {
			return errorResult("Error: workflow_id parameter is required"), nil
		}

		var values map[string]string
		if raw := request.GetString("values", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &values); err != nil {
				return errorResult("Error: values must be a JSON object of strings: %v", err), nil
			}
		}

		job, err := client.RunWorkflow(ctx, workflowID, values)
		if err != nil {
			logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Run workflow failed")
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Job != nil {
				return errorResult("Dispatch failed for job %s: %s", apiErr.Job.ID, apiErr.Message), nil
			}
			return errorResult("Run failed: %v", err), nil
		}
		return textResult(fmt.Sprintf("Dispatched job **%s** (status: %s, prompt: %s)\n", job.ID, job.Status, job.PromptID)), nil
	}
}

// handleListJobs implements the list_jobs tool
func handleListJobs(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 100
		}

		jobs, err := client.ListJobs(ctx, request.GetString("workflow_id", ""), request.GetString("status", ""), limit)
		if err != nil {
			logger.Error().Err(err).Msg("List jobs failed")
			return errorResult("Failed to list jobs: %v", err), nil
		}
		return textResult(formatJobs(jobs)), nil
	}
}

// handleGetJob implements the get_job tool
func handleGetJob(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return errorResult("Error: job_id parameter is required"), nil
		}

		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Get job failed")
			return errorResult("Job not available: %v", err), nil
		}
		return textResult(formatJob(job)), nil
	}
}

// handleCancelJob implements the cancel_job tool
func handleCancelJob(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return errorResult("Error: job_id parameter is required"), nil
		}

		job, err := client.CancelJob(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Cancel job failed")
			return errorResult("Cancel failed: %v", err), nil
		}
		return textResult(formatJob(job)), nil
	}
}

// handleQueueStatus implements the queue_status tool
func handleQueueStatus(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		queue, err := client.Queue(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Queue status failed")
			return errorResult("Queue status unavailable: %v", err), nil
		}
		return textResult(formatQueue(queue)), nil
	}
}
