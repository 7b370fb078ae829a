// ABOUTME: Batch job CLI commands
// ABOUTME: Start, run, inspect, list and reset resumable bulk operations
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/harperreed/contactsync/batch"
	"github.com/harperreed/contactsync/models"
)

// BatchStartCommand creates a job and optionally runs it to completion.
func BatchStartCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("batch start", flag.ExitOnError)
	jobType := fs.String("type", models.JobResyncUsers, "Job type: resync_users, apply_tag or import_tag")
	tag := fs.String("tag", "", "Tag ID for apply_tag and import_tag")
	chunk := fs.Int("chunk", app.Config.BatchChunkSize, "Records per chunk")
	sleep := fs.Float64("sleep", -1, "Seconds between chunks (default: provider setting)")
	run := fs.Bool("run", false, "Run the job to completion in this process")
	_ = fs.Parse(args)

	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	req := batch.StartRequest{JobType: *jobType, Tag: *tag, ChunkSize: *chunk}
	if *sleep >= 0 {
		req.SleepSeconds = sleep
	}
	job, err := app.Batch.Start(ctx, adapter, req)
	if err != nil {
		return userError(err)
	}

	fmt.Printf("✓ Job %s created (%s, ~%d records, chunk %d, %.1fs between chunks)\n",
		job.ID, job.JobType, job.TotalEstimate, job.ChunkSize, job.SleepSeconds)
	if !*run {
		fmt.Printf("  Run it with: contactsync batch run %s\n", job.ID)
		return nil
	}
	return runJob(ctx, app, job.ID)
}

// BatchRunCommand runs a job, either one chunk or to completion.
func BatchRunCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("batch run", flag.ExitOnError)
	once := fs.Bool("once", false, "Process a single chunk and exit")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: batch run [--once] <job-id>")
	}
	if !*once {
		return runJob(ctx, app, fs.Arg(0))
	}

	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	res, err := app.Batch.RunChunk(ctx, adapter, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Chunk: %d processed, %d requeued, %d failed\n", res.Processed, res.Requeued, res.Failed)
	printJob(res.Job)
	return nil
}

func runJob(ctx context.Context, app *App, jobID string) error {
	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	summary, err := app.Batch.Run(ctx, adapter, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job %s %s after %d chunks\n", jobID, summary.Job.Status, summary.Chunks)
	fmt.Printf("  Processed: %d  Failed: %d  Retries: %d\n", summary.Processed, summary.Failed, summary.Requeued)
	if summary.Failed > 0 {
		fmt.Printf("  See failures with: contactsync batch status %s\n", jobID)
	}
	return nil
}

// BatchStatusCommand shows a job and its failures.
func BatchStatusCommand(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: batch status <job-id>")
	}
	job, failures, err := app.Batch.Status(ctx, args[0])
	if err != nil {
		return err
	}
	printJob(job)
	if len(failures) == 0 {
		return nil
	}

	fmt.Println("\nFailures:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORD\tKIND\tMESSAGE")
	_, _ = fmt.Fprintln(w, "------\t----\t-------")
	for _, f := range failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.RecordKey, f.Kind, f.Message)
	}
	return w.Flush()
}

// BatchListCommand lists recent jobs.
func BatchListCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("batch list", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum results")
	_ = fs.Parse(args)

	jobs, err := app.Store.Jobs.List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No batch jobs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tTYPE\tSTATUS\tPROGRESS\tFAILED")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t------\t--------\t------")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\n",
			j.ID, j.ProviderSlug, j.JobType, j.Status, j.Scanned, j.TotalEstimate, j.Failed)
	}
	return w.Flush()
}

// BatchResetCommand rewinds a job so it runs again from the start.
func BatchResetCommand(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: batch reset <job-id>")
	}
	if err := app.Store.Jobs.Reset(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Job %s reset\n", args[0])
	return nil
}

func printJob(job *models.BatchJob) {
	fmt.Printf("Job %s (%s on %s)\n", job.ID, job.JobType, job.ProviderSlug)
	if job.Tag != "" {
		fmt.Printf("  Tag: %s\n", job.Tag)
	}
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Progress: %d/%d (processed %d, failed %d, waiting for retry %d)\n",
		job.Scanned, job.TotalEstimate, job.Processed, job.Failed, len(job.Requeue))
	if job.NextRunAt != nil && !job.Done() {
		fmt.Printf("  Next chunk: %s\n", job.NextRunAt.Local().Format(time.Kitchen))
	}
	if job.LastError != "" {
		fmt.Printf("  Last error: %s\n", job.LastError)
	}
}
