package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/vellum/internal/handlers"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/notify"
)

// formatWorkflows formats the workflow list as markdown
func formatWorkflows(workflows []*models.Workflow) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Workflows (%d)\n\n", len(workflows)))

	if len(workflows) == 0 {
		sb.WriteString("No workflows defined.\n")
		return sb.String()
	}

	for _, wf := range workflows {
		sb.WriteString(fmt.Sprintf("- **%s** `%s` (%d nodes)", wf.Name, wf.ID, wf.NodeCount()))
		if wf.Description != "" {
			sb.WriteString(": " + wf.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatWorkflowDetail formats one workflow and its inputs as markdown
func formatWorkflowDetail(detail *handlers.WorkflowDetail) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n\n", detail.Name))
	sb.WriteString(fmt.Sprintf("**ID:** %s\n", detail.ID))
	if detail.Description != "" {
		sb.WriteString(fmt.Sprintf("**Description:** %s\n", detail.Description))
	}
	sb.WriteString(fmt.Sprintf("**Nodes:** %d\n\n", detail.NodeCount()))

	sb.WriteString("## Inputs\n\n")
	if len(detail.Inputs) == 0 {
		sb.WriteString("No inputs; the graph runs as stored.\n")
		return sb.String()
	}
	sb.WriteString("| ID | Label | Type | Default |\n|---|---|---|---|\n")
	for _, input := range detail.Inputs {
		sb.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s |\n", input.ID, input.Label, input.InputType, input.DefaultValue))
	}
	return sb.String()
}

// formatJobs formats a job list as markdown
func formatJobs(jobs []*notify.JobView) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Jobs (%d)\n\n", len(jobs)))

	if len(jobs) == 0 {
		sb.WriteString("No jobs found.\n")
		return sb.String()
	}

	for _, job := range jobs {
		sb.WriteString(fmt.Sprintf("- `%s` %s (workflow %s, created %s, %d outputs)\n",
			job.ID, job.Status, job.WorkflowID, job.CreatedAt.Format(time.RFC3339), len(job.Outputs)))
	}
	return sb.String()
}

// formatJob formats one job view as markdown
func formatJob(job *notify.JobView) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Job %s\n\n", job.ID))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("**Workflow:** %s\n", job.WorkflowID))
	if job.PromptID != "" {
		sb.WriteString(fmt.Sprintf("**Prompt:** %s\n", job.PromptID))
	}
	if job.ErrorMessage != "" {
		sb.WriteString(fmt.Sprintf("**Error:** %s\n", job.ErrorMessage))
	}
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", job.CreatedAt.Format(time.RFC3339)))
	if job.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("**Completed:** %s\n", job.CompletedAt.Format(time.RFC3339)))
	}

	if job.Queue != nil {
		if job.Queue.Position != nil {
			sb.WriteString(fmt.Sprintf("**Queue:** %s, position %d of %d\n", job.Queue.State, *job.Queue.Position, job.Queue.Total))
		} else {
			sb.WriteString(fmt.Sprintf("**Queue:** %s, %d ahead\n", job.Queue.State, job.Queue.Ahead))
		}
	}
	if job.Progress != nil {
		sb.WriteString(fmt.Sprintf("**Step:** %d/%d", job.Progress.Value, job.Progress.Max))
		if job.Progress.Node != "" {
			sb.WriteString(fmt.Sprintf(" on node %s", job.Progress.Node))
		}
		sb.WriteString("\n")
	}
	if job.Overall != nil {
		sb.WriteString(fmt.Sprintf("**Overall:** %.0f%% (%d/%d nodes)\n", job.Overall.Percent, job.Overall.ExecutedNodes, job.Overall.TotalNodes))
	}

	if len(job.Outputs) > 0 {
		sb.WriteString("\n## Outputs\n\n")
		for _, output := range job.Outputs {
			state := "available"
			if !output.Exists {
				state = "deleted"
			}
			sb.WriteString(fmt.Sprintf("- %s (%s)\n", output.ImagePath, state))
		}
	}
	return sb.String()
}

// formatQueue formats engine connectivity and the queue mirror as markdown
func formatQueue(queue *handlers.QueueResponse) string {
	var sb strings.Builder
	if queue.Engine.Connected {
		sb.WriteString("**Engine:** connected\n")
	} else {
		sb.WriteString("**Engine:** disconnected\n")
	}
	sb.WriteString(fmt.Sprintf("**Running:** %d\n", len(queue.Queue.Running)))
	sb.WriteString(fmt.Sprintf("**Pending:** %d\n", len(queue.Queue.Pending)))
	sb.WriteString(fmt.Sprintf("**Remaining:** %d\n", queue.Queue.Remaining))
	for _, id := range queue.Queue.Running {
		sb.WriteString(fmt.Sprintf("- running `%s`\n", id))
	}
	for i, id := range queue.Queue.Pending {
		sb.WriteString(fmt.Sprintf("- %d. pending `%s`\n", i+1, id))
	}
	return sb.String()
}
