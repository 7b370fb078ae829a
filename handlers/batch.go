// ABOUTME: Batch job MCP tool handlers
// ABOUTME: Implements start_batch, run_batch_chunk and batch_status tools
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/contactsync/batch"
	"github.com/harperreed/contactsync/models"
)

type BatchHandlers struct {
	connections Connections
	processor   *batch.Processor
}

func NewBatchHandlers(connections Connections, processor *batch.Processor) *BatchHandlers {
	return &BatchHandlers{connections: connections, processor: processor}
}

type JobOutput struct {
	ID            string  `json:"id"`
	Provider      string  `json:"provider"`
	JobType       string  `json:"job_type"`
	Tag           string  `json:"tag,omitempty"`
	Status        string  `json:"status"`
	Cursor        int     `json:"cursor"`
	Scanned       int     `json:"scanned"`
	TotalEstimate int     `json:"total_estimate"`
	ChunkSize     int     `json:"chunk_size"`
	SleepSeconds  float64 `json:"sleep_seconds"`
	Processed     int     `json:"processed"`
	Failed        int     `json:"failed"`
	Requeued      int     `json:"requeued"`
	NextRunAt     *string `json:"next_run_at,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

func jobToOutput(job *models.BatchJob) JobOutput {
	out := JobOutput{
		ID:            job.ID,
		Provider:      job.ProviderSlug,
		JobType:       job.JobType,
		Tag:           job.Tag,
		Status:        job.Status,
		Cursor:        job.Cursor,
		Scanned:       job.Scanned,
		TotalEstimate: job.TotalEstimate,
		ChunkSize:     job.ChunkSize,
		SleepSeconds:  job.SleepSeconds,
		Processed:     job.Processed,
		Failed:        job.Failed,
		Requeued:      len(job.Requeue),
		LastError:     job.LastError,
	}
	if job.NextRunAt != nil {
		s := job.NextRunAt.Format(time.RFC3339)
		out.NextRunAt = &s
	}
	return out
}

type StartBatchInput struct {
	JobType      string   `json:"job_type" jsonschema:"One of resync_users, apply_tag, import_tag (required)"`
	Tag          string   `json:"tag,omitempty" jsonschema:"Tag ID for apply_tag and import_tag jobs"`
	ChunkSize    int      `json:"chunk_size,omitempty" jsonschema:"Records per chunk (default 50)"`
	SleepSeconds *float64 `json:"sleep_seconds,omitempty" jsonschema:"Pause between chunks, overriding the provider default"`
}

func (h *BatchHandlers) StartBatch(ctx context.Context, request *mcp.CallToolRequest, input StartBatchInput) (*mcp.CallToolResult, JobOutput, error) {
	if input.JobType == "" {
		return nil, JobOutput{}, fmt.Errorf("job_type is required")
	}
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, JobOutput{}, toolError(err)
	}
	job, err := h.processor.Start(ctx, adapter, batch.StartRequest{
		JobType:      input.JobType,
		Tag:          input.Tag,
		ChunkSize:    input.ChunkSize,
		SleepSeconds: input.SleepSeconds,
	})
	if err != nil {
		return nil, JobOutput{}, toolError(err)
	}
	return nil, jobToOutput(job), nil
}

type JobIDInput struct {
	JobID string `json:"job_id" jsonschema:"Batch job ID (required)"`
}

type ChunkOutput struct {
	Job       JobOutput `json:"job"`
	Processed int       `json:"processed"`
	Requeued  int       `json:"requeued"`
	Failed    int       `json:"failed"`
	Done      bool      `json:"done"`
}

func (h *BatchHandlers) RunBatchChunk(ctx context.Context, request *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, ChunkOutput, error) {
	if input.JobID == "" {
		return nil, ChunkOutput{}, fmt.Errorf("job_id is required")
	}
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, ChunkOutput{}, toolError(err)
	}
	res, err := h.processor.RunChunk(ctx, adapter, input.JobID)
	if err != nil {
		return nil, ChunkOutput{}, fmt.Errorf("failed to run chunk: %w", err)
	}
	return nil, ChunkOutput{
		Job:       jobToOutput(res.Job),
		Processed: res.Processed,
		Requeued:  res.Requeued,
		Failed:    res.Failed,
		Done:      res.Done(),
	}, nil
}

type FailureOutput struct {
	RecordKey string `json:"record_key"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

type BatchStatusOutput struct {
	Job      JobOutput       `json:"job"`
	Failures []FailureOutput `json:"failures"`
}

func (h *BatchHandlers) BatchStatus(ctx context.Context, request *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, BatchStatusOutput, error) {
	if input.JobID == "" {
		return nil, BatchStatusOutput{}, fmt.Errorf("job_id is required")
	}
	job, failures, err := h.processor.Status(ctx, input.JobID)
	if err != nil {
		return nil, BatchStatusOutput{}, fmt.Errorf("failed to get job: %w", err)
	}
	out := BatchStatusOutput{Job: jobToOutput(job), Failures: make([]FailureOutput, len(failures))}
	for i, f := range failures {
		out.Failures[i] = FailureOutput{RecordKey: f.RecordKey, Kind: f.Kind, Message: f.Message}
	}
	return nil, out, nil
}
