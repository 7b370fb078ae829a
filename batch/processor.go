// ABOUTME: Chunked, resumable bulk operations over local users and remote contacts
// ABOUTME: Each chunk runs under a job lease and commits its cursor with compare-and-set
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/metrics"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	contactsync "github.com/harperreed/contactsync/sync"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/tags"
)

// MaxAttempts bounds how often a record with retryable failures is tried.
const MaxAttempts = 3

// DefaultChunkSize is used when a job is started without one.
const DefaultChunkSize = 50

var ErrProviderMismatch = errors.New("batch: job belongs to a different provider")

// JobStore persists jobs, leases and failures.
type JobStore interface {
	Create(ctx context.Context, job *models.BatchJob) error
	Get(ctx context.Context, id string) (*models.BatchJob, error)
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (*models.BatchJob, error)
	Commit(ctx context.Context, job *models.BatchJob, expectedCursor int, owner string) error
	ReleaseLease(ctx context.Context, id, owner string) error
	RecordFailure(ctx context.Context, f *models.BatchFailure) error
	Failures(ctx context.Context, jobID string) ([]models.BatchFailure, error)
}

// UserLister pages through local users by id.
type UserLister interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]models.LocalUser, error)
	Count(ctx context.Context) (int, error)
}

// LinkLister pages through contact links for a provider by user id.
type LinkLister interface {
	ListAfter(ctx context.Context, slug string, afterUserID int64, limit int) ([]models.ContactLink, error)
	Count(ctx context.Context, slug string) (int, error)
}

// Syncer pushes and pulls single records.
type Syncer interface {
	SyncUser(ctx context.Context, adapter provider.Adapter, userID int64) (*contactsync.Result, error)
	PullContact(ctx context.Context, adapter provider.Adapter, contactID string) (*contactsync.PullResult, error)
}

// Tagger applies tag requests.
type Tagger interface {
	Apply(ctx context.Context, adapter provider.Adapter, req tags.Request) (*tags.Result, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Processor.
type Options struct {
	Jobs     JobStore
	Users    UserLister
	Links    LinkLister
	Syncer   Syncer
	Tags     Tagger
	LeaseTTL time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	Sleep    SleepFunc
}

// Processor starts and runs batch jobs.
type Processor struct {
	jobs     JobStore
	users    UserLister
	links    LinkLister
	syncer   Syncer
	tags     Tagger
	leaseTTL time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    SleepFunc
}

func NewProcessor(opts Options) *Processor {
	p := &Processor{
		jobs:     opts.Jobs,
		users:    opts.Users,
		links:    opts.Links,
		syncer:   opts.Syncer,
		tags:     opts.Tags,
		leaseTTL: opts.LeaseTTL,
		log:      logger.OrNop(opts.Logger).Named("batch"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = 5 * time.Minute
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartRequest describes a new job.
type StartRequest struct {
	JobType   string
	Tag       string
	ChunkSize int
	// SleepSeconds overrides the adapter's pause between chunks.
	SleepSeconds *float64
}

// Start validates req against the adapter and persists a pending job.
func (p *Processor) Start(ctx context.Context, adapter provider.Adapter, req StartRequest) (*models.BatchJob, error) {
	slug := adapter.Slug()
	caps := adapter.Capabilities()
	job := &models.BatchJob{
		ProviderSlug: slug,
		JobType:      req.JobType,
		Tag:          req.Tag,
		ChunkSize:    req.ChunkSize,
	}
	if job.ChunkSize <= 0 {
		job.ChunkSize = DefaultChunkSize
	}
	switch {
	case req.SleepSeconds != nil:
		job.SleepSeconds = *req.SleepSeconds
	default:
		if paced, ok := adapter.(provider.Paced); ok {
			job.SleepSeconds = paced.SleepSeconds()
		}
	}
	if job.SleepSeconds < 0 {
		job.SleepSeconds = 0
	}

	var err error
	switch req.JobType {
	case models.JobResyncUsers:
		job.TotalEstimate, err = p.users.Count(ctx)
	case models.JobApplyTag:
		if req.Tag == "" {
			return nil, fmt.Errorf("%s job requires a tag", req.JobType)
		}
		if !caps.Has(provider.CapAddTags) {
			return nil, syncerr.New(syncerr.KindUnsupported, slug, "apply_tags", "provider does not support tags")
		}
		job.TotalEstimate, err = p.links.Count(ctx, slug)
	case models.JobImportTag:
		if req.Tag == "" {
			return nil, fmt.Errorf("%s job requires a tag", req.JobType)
		}
		if !caps.Has(provider.CapLoadContacts) {
			return nil, syncerr.New(syncerr.KindUnsupported, slug, "load_contacts", "provider cannot list contacts by tag")
		}
	default:
		return nil, fmt.Errorf("unknown batch job type %q", req.JobType)
	}
	if err != nil {
		return nil, err
	}

	if err := p.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	p.log.Info("batch job started",
		zap.String("job_id", job.ID),
		zap.String("provider", slug),
		zap.String("type", job.JobType),
		zap.Int("total_estimate", job.TotalEstimate))
	return job, nil
}

// ChunkResult reports one chunk.
type ChunkResult struct {
	Job       *models.BatchJob
	Processed int
	Requeued  int
	Failed    int
}

// Done reports whether the job finished with this chunk.
func (r *ChunkResult) Done() bool { return r.Job.Done() }

// RunChunk processes the next chunk of jobID. Per-record failures never fail
// the chunk: retryable ones are re-queued to the end of the job and others
// are recorded. The cursor is committed only if no other runner moved it.
func (p *Processor) RunChunk(ctx context.Context, adapter provider.Adapter, jobID string) (*ChunkResult, error) {
	owner := ulid.Make().String()
	job, err := p.jobs.AcquireLease(ctx, jobID, owner, p.leaseTTL)
	if err != nil {
		return nil, err
	}
	release := func() {
		if err := p.jobs.ReleaseLease(context.WithoutCancel(ctx), job.ID, owner); err != nil {
			p.log.Warn("failed to release batch lease", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if job.ProviderSlug != adapter.Slug() {
		release()
		return nil, fmt.Errorf("%w: job %s is for %s", ErrProviderMismatch, job.ID, job.ProviderSlug)
	}

	log := p.log.With(zap.String("job_id", job.ID), zap.String("provider", job.ProviderSlug))
	start := job.Cursor
	res := &ChunkResult{Job: job}
	var backoff time.Duration

	keys, next, exhausted, err := p.candidates(ctx, adapter, job)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to list batch candidates: %w", err)
	}

	pending := job.Requeue
	job.Requeue = nil
	for _, key := range keys {
		if err := p.process(ctx, adapter, job, key); err != nil {
			if retry := p.handleFailure(ctx, job, res, models.RequeuedRecord{Key: key, Attempts: 1}, err); retry > backoff {
				backoff = retry
			}
			continue
		}
		res.Processed++
	}
	job.Cursor = next
	job.Scanned += len(keys)

	budget := job.ChunkSize - len(keys)
	if exhausted {
		for i, rec := range pending {
			if budget <= 0 {
				job.Requeue = append(job.Requeue, pending[i:]...)
				break
			}
			budget--
			if err := p.process(ctx, adapter, job, rec.Key); err != nil {
				rec.Attempts++
				if retry := p.handleFailure(ctx, job, res, rec, err); retry > backoff {
					backoff = retry
				}
				continue
			}
			res.Processed++
		}
	} else {
		job.Requeue = append(pending, job.Requeue...)
	}

	job.Processed += res.Processed
	job.Failed += res.Failed
	now := p.now().UTC()
	if exhausted && len(job.Requeue) == 0 {
		job.Status = models.JobStatusCompleted
		job.CompletedAt = &now
		job.NextRunAt = nil
	} else {
		wait := job.SleepDuration()
		if backoff > wait {
			wait = backoff
		}
		next := now.Add(wait)
		job.NextRunAt = &next
	}

	if err := p.jobs.Commit(ctx, job, start, owner); err != nil {
		release()
		return nil, err
	}
	p.metrics.BatchChunk(job.JobType, res.Processed, res.Requeued, res.Failed)
	log.Info("batch chunk committed",
		zap.Int("cursor", job.Cursor),
		zap.Int("processed", res.Processed),
		zap.Int("requeued", res.Requeued),
		zap.Int("failed", res.Failed),
		zap.String("status", job.Status))
	return res, nil
}

// handleFailure re-queues rec or records it as failed. It returns the
// provider-requested backoff, if any.
func (p *Processor) handleFailure(ctx context.Context, job *models.BatchJob, res *ChunkResult, rec models.RequeuedRecord, err error) time.Duration {
	if syncerr.IsRetryable(err) && rec.Attempts < MaxAttempts {
		job.Requeue = append(job.Requeue, rec)
		res.Requeued++
		return syncerr.RetryAfter(err)
	}
	res.Failed++
	job.LastError = syncerr.UserMessage(err)
	f := &models.BatchFailure{
		JobID:     job.ID,
		RecordKey: rec.Key,
		Kind:      syncerr.KindOf(err).String(),
		Message:   job.LastError,
	}
	if rerr := p.jobs.RecordFailure(ctx, f); rerr != nil {
		p.log.Warn("failed to record batch failure", zap.String("job_id", job.ID), zap.String("record", rec.Key), zap.Error(rerr))
	}
	return 0
}

// candidates returns the record keys for the chunk after job.Cursor, the
// cursor to commit once they are handled, and whether the sequence ends with
// them. Scanning also ends once Scanned reaches a positive TotalEstimate.
func (p *Processor) candidates(ctx context.Context, adapter provider.Adapter, job *models.BatchJob) ([]string, int, bool, error) {
	size := job.ChunkSize
	capped := false
	if job.TotalEstimate > 0 && job.JobType != models.JobImportTag {
		if remaining := job.TotalEstimate - job.Scanned; remaining <= size {
			size = remaining
			capped = true
		}
	}
	if size <= 0 {
		return nil, job.Cursor, true, nil
	}

	limit := size + 1
	var keys []string
	var positions []int
	switch job.JobType {
	case models.JobResyncUsers:
		users, err := p.users.ListAfter(ctx, int64(job.Cursor), limit)
		if err != nil {
			return nil, 0, false, err
		}
		for _, u := range users {
			keys = append(keys, strconv.FormatInt(u.ID, 10))
			positions = append(positions, int(u.ID))
		}
	case models.JobApplyTag:
		links, err := p.links.ListAfter(ctx, job.ProviderSlug, int64(job.Cursor), limit)
		if err != nil {
			return nil, 0, false, err
		}
		for _, l := range links {
			keys = append(keys, l.ContactID)
			positions = append(positions, int(l.UserID))
		}
	case models.JobImportTag:
		stream, err := adapter.LoadContacts(ctx, job.Tag)
		if err != nil {
			return nil, 0, false, err
		}
		skipped := 0
		for len(keys) < limit && stream.Next(ctx) {
			if skipped < job.Cursor {
				skipped++
				continue
			}
			keys = append(keys, stream.ContactID())
			positions = append(positions, job.Cursor+len(keys))
		}
		if err := stream.Err(); err != nil {
			return nil, 0, false, err
		}
	default:
		return nil, 0, false, fmt.Errorf("unknown batch job type %q", job.JobType)
	}

	exhausted := true
	if len(keys) > size {
		keys, positions = keys[:size], positions[:size]
		exhausted = capped
	}
	next := job.Cursor
	if len(positions) > 0 {
		next = positions[len(positions)-1]
	}
	return keys, next, exhausted, nil
}

func (p *Processor) process(ctx context.Context, adapter provider.Adapter, job *models.BatchJob, key string) error {
	switch job.JobType {
	case models.JobResyncUsers:
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user key %q: %w", key, err)
		}
		_, err = p.syncer.SyncUser(ctx, adapter, id)
		return err
	case models.JobApplyTag:
		_, err := p.tags.Apply(ctx, adapter, tags.Request{ContactID: key, Add: models.NewTagSet(job.Tag)})
		return err
	case models.JobImportTag:
		_, err := p.syncer.PullContact(ctx, adapter, key)
		return err
	default:
		return fmt.Errorf("unknown batch job type %q", job.JobType)
	}
}

// Summary aggregates a Run.
type Summary struct {
	Job       *models.BatchJob
	Chunks    int
	Processed int
	Requeued  int
	Failed    int
}

// Run drives jobID to completion in-process, pausing between chunks for the
// job's sleep interval or any longer provider backoff.
func (p *Processor) Run(ctx context.Context, adapter provider.Adapter, jobID string) (*Summary, error) {
	sum := &Summary{}
	for {
		res, err := p.RunChunk(ctx, adapter, jobID)
		if err != nil {
			return sum, err
		}
		sum.Job = res.Job
		sum.Chunks++
		sum.Processed += res.Processed
		sum.Requeued += res.Requeued
		sum.Failed += res.Failed
		if res.Done() {
			return sum, nil
		}

		wait := res.Job.SleepDuration()
		if res.Job.NextRunAt != nil {
			wait = res.Job.NextRunAt.Sub(p.now())
		}
		if err := p.sleep(ctx, wait); err != nil {
			return sum, err
		}
	}
}

// Status returns a job and its recorded failures.
func (p *Processor) Status(ctx context.Context, jobID string) (*models.BatchJob, []models.BatchFailure, error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	failures, err := p.jobs.Failures(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, failures, nil
}
