package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createListWorkflowsTool returns the list_workflows tool definition
func createListWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list_workflows",
		mcp.WithDescription("List the parameterised workflows that can be run on the engine"),
	)
}

// createGetWorkflowTool returns the get_workflow tool definition
func createGetWorkflowTool() mcp.Tool {
	return mcp.NewTool("get_workflow",
		mcp.WithDescription("Show a workflow and the inputs it accepts"),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("Workflow ID"),
		),
	)
}

// createRunWorkflowTool returns the run_workflow tool definition
func createRunWorkflowTool() mcp.Tool {
	return mcp.NewTool("run_workflow",
		mcp.WithDescription("Dispatch one run of a workflow. Inputs not given use their defaults."),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("Workflow ID"),
		),
		mcp.WithString("values",
			mcp.Description(`JSON object of input id to value, e.g. {"wf_1_6_text": "a lighthouse at dusk"}`),
		),
	)
}

// createListJobsTool returns the list_jobs tool definition
func createListJobsTool() mcp.Tool {
	return mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent jobs, newest first"),
		mcp.WithString("workflow_id",
			mcp.Description("Only jobs of this workflow"),
		),
		mcp.WithString("status",
			mcp.Description("Comma separated statuses: pending, queued, running, completed, error, cancelled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20, max: 100)"),
		),
	)
}

// createGetJobTool returns the get_job tool definition
func createGetJobTool() mcp.Tool {
	return mcp.NewTool("get_job",
		mcp.WithDescription("Show a job with its outputs and, while generating, its progress and queue position"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID (format: job_{uuid})"),
		),
	)
}

// createCancelJobTool returns the cancel_job tool definition
func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending, queued or running job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	)
}

// createQueueStatusTool returns the queue_status tool definition
func createQueueStatusTool() mcp.Tool {
	return mcp.NewTool("queue_status",
		mcp.WithDescription("Show engine connectivity and the running and pending prompts"),
	)
}
