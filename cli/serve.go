// ABOUTME: Serve command running the HTTP server and the batch job worker
// ABOUTME: The worker picks up due chunks of unfinished jobs on an interval
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/web"
)

// ServeCommand serves webhooks, OAuth callbacks, the dashboard and metrics.
func ServeCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", app.Config.WebPort, "Port to listen on")
	worker := fs.Bool("worker", true, "Run due batch job chunks in the background")
	interval := fs.Duration("interval", 5*time.Second, "How often the worker looks for due chunks")
	_ = fs.Parse(args)

	server, err := web.NewServer(web.Options{
		Webhooks:    app.Webhooks,
		OAuth:       app.Registry,
		Connections: app.Connections,
		RedirectURL: app.Config.OAuthRedirectURL(),
		DB:          app.Store.DB,
		Jobs:        app.Store.Jobs,
		Metrics:     app.Metrics,
		Logger:      app.Log,
	})
	if err != nil {
		return err
	}

	if *worker {
		go runWorker(ctx, app, *interval)
	}
	return server.Serve(ctx, fmt.Sprintf(":%d", *port))
}

func runWorker(ctx context.Context, app *App, interval time.Duration) {
	log := app.Log.Named("worker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runDueChunks(ctx, app, log); err != nil && !errors.Is(err, syncerr.ErrNotConnected) {
				log.Warn("worker pass failed", zap.Error(err))
			}
		}
	}
}

// runDueChunks runs one chunk of every job that is due. Jobs of a provider
// other than the active one are left alone.
func runDueChunks(ctx context.Context, app *App, log *zap.Logger) error {
	jobs, err := app.Store.Jobs.Runnable(ctx)
	if err != nil || len(jobs) == 0 {
		return err
	}
	adapter, err := app.Active(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.ProviderSlug != adapter.Slug() {
			continue
		}
		res, err := app.Batch.RunChunk(ctx, adapter, job.ID)
		switch {
		case errors.Is(err, db.ErrJobLeased), errors.Is(err, db.ErrJobFinished), errors.Is(err, db.ErrCursorConflict):
			continue
		case err != nil:
			log.Warn("chunk failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		log.Info("chunk done",
			zap.String("job_id", job.ID),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Bool("done", res.Done()))
	}
	return nil
}
