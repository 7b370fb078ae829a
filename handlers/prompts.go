// ABOUTME: MCP prompt handlers for reviewing sync problems
// ABOUTME: Builds prompts from batch failures and provider sync state
package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/contactsync/models"
)

// FailureSource loads a job and its recorded failures.
type FailureSource interface {
	Status(ctx context.Context, jobID string) (*models.BatchJob, []models.BatchFailure, error)
}

type PromptHandlers struct {
	jobs FailureSource
}

func NewPromptHandlers(jobs FailureSource) *PromptHandlers {
	return &PromptHandlers{jobs: jobs}
}

// Register adds the prompts to server.
func (h *PromptHandlers) Register(server *mcp.Server) {
	server.AddPrompt(&mcp.Prompt{
		Name:        "batch-failure-review",
		Description: "Review the failed records of a batch job and suggest fixes",
		Arguments: []*mcp.PromptArgument{
			{Name: "job_id", Description: "Batch job ID", Required: true},
		},
	}, h.GetPrompt)
}

// GetPrompt generates the prompt message based on the template
func (h *PromptHandlers) GetPrompt(ctx context.Context, request *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	arguments := request.Params.Arguments
	switch name {
	case "batch-failure-review":
		return h.getBatchFailureReviewPrompt(ctx, arguments)
	default:
		return nil, fmt.Errorf("unknown prompt: %s", name)
	}
}

func (h *PromptHandlers) getBatchFailureReviewPrompt(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	jobID, ok := args["job_id"]
	if !ok || jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	job, failures, err := h.jobs.Status(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	byKind := make(map[string]int)
	for _, f := range failures {
		byKind[f.Kind]++
	}

	var promptText strings.Builder
	promptText.WriteString("Please review this contact sync batch job:\n\n")
	promptText.WriteString(fmt.Sprintf("Provider: %s\n", job.ProviderSlug))
	promptText.WriteString(fmt.Sprintf("Type: %s\n", job.JobType))
	if job.Tag != "" {
		promptText.WriteString(fmt.Sprintf("Tag: %s\n", job.Tag))
	}
	promptText.WriteString(fmt.Sprintf("Status: %s (%d/%d records, %d processed, %d failed)\n",
		job.Status, job.Scanned, job.TotalEstimate, job.Processed, job.Failed))
	if len(job.Requeue) > 0 {
		promptText.WriteString(fmt.Sprintf("Waiting for retry: %d records\n", len(job.Requeue)))
	}

	if len(failures) > 0 {
		promptText.WriteString("\nFailures by kind:\n")
		kinds := make([]string, 0, len(byKind))
		for kind := range byKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			promptText.WriteString(fmt.Sprintf("- %s: %d\n", kind, byKind[kind]))
		}
		promptText.WriteString("\nFailed records:\n")
		for i, f := range failures {
			if i == 25 {
				promptText.WriteString(fmt.Sprintf("... and %d more\n", len(failures)-i))
				break
			}
			promptText.WriteString(fmt.Sprintf("- %s [%s]: %s\n", f.RecordKey, f.Kind, f.Message))
		}
	}

	promptText.WriteString("\nPlease provide:")
	promptText.WriteString("\n1. The likely root cause for each kind of failure")
	promptText.WriteString("\n2. Which field mappings or local records need correcting")
	promptText.WriteString("\n3. Whether the job should be reset and rerun")

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Failure review for batch job %s", job.ID),
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{
					Text: promptText.String(),
				},
			},
		},
	}, nil
}
