// Package dispatch runs generation jobs under a concurrency cap,
// feeding each streaming response through the ingest pipeline and
// recording every state change in the ledger.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sorabatch/sorabatch/internal/observability"
	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/ingest"
	"github.com/sorabatch/sorabatch/pkg/jobfile"
	"github.com/sorabatch/sorabatch/pkg/ledger"
	"github.com/sorabatch/sorabatch/pkg/preview"
)

const noLinkMessage = "completed without a media link"

// Options tunes a Dispatcher.
type Options struct {
	// Model is the default model for jobs that do not set their own.
	Model string

	// JobTimeout bounds one job's network call and stream read. Zero
	// means no timeout: a hung upstream stream holds its worker slot,
	// matching the base design.
	JobTimeout time.Duration

	// RequestsPerSecond throttles job starts across workers. Zero
	// disables throttling.
	RequestsPerSecond float64

	// Ingest overrides the ingest configuration (allow-list hosts,
	// tail bound).
	Ingest ingest.Config

	// OnResolved is called once per job whose stream produced a
	// validated media URL, after the preview registration. Optional.
	OnResolved func(taskID int, media ingest.Media)
}

// Stats summarizes a completed run.
type Stats struct {
	Done    int
	Errored int
}

// Dispatcher is safe for a single Run at a time.
type Dispatcher struct {
	client   *genapi.Client
	ledger   *ledger.Ledger
	previews *preview.Registry
	opts     Options
	limiter  *rate.Limiter
}

// New builds a dispatcher. previews may be nil when no display
// collaborator is attached.
func New(client *genapi.Client, l *ledger.Ledger, previews *preview.Registry, opts Options) *Dispatcher {
	d := &Dispatcher{client: client, ledger: l, previews: previews, opts: opts}
	if opts.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return d
}

// Run executes every job and blocks until all finish. Effective worker
// count is min(concurrency, len(jobs)); each job is claimed exactly
// once through a shared atomic cursor. Individual job failures are
// recorded in the ledger, never aborting the batch; the returned error
// is only set when the run context is cancelled before all jobs start.
func (d *Dispatcher) Run(ctx context.Context, jobs []jobfile.Job, concurrency int) (Stats, error) {
	if len(jobs) == 0 {
		return Stats{}, nil
	}
	workers := concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	runID := uuid.NewString()
	log := observability.CLILogger.With(zap.String("run_id", runID))
	log.Info("Dispatch run starting",
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", workers))

	var (
		cursor  atomic.Int64
		done    atomic.Int64
		errored atomic.Int64
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := int(cursor.Add(1)) - 1
				if idx >= len(jobs) {
					return
				}
				if d.runJob(ctx, log, jobs[idx]) {
					done.Add(1)
				} else {
					errored.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	stats := Stats{Done: int(done.Load()), Errored: int(errored.Load())}
	log.Info("Dispatch run finished",
		zap.Int("done", stats.Done),
		zap.Int("errored", stats.Errored))
	return stats, ctx.Err()
}

// runJob drives one job from ledger creation to a terminal status. It
// reports whether the job ended done rather than error.
func (d *Dispatcher) runJob(ctx context.Context, log *zap.Logger, job jobfile.Job) bool {
	id := d.ledger.Create(job.Snippet(), job.Prompt)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.fail(id, "cancelled before start", "")
			return false
		}
	}

	jobCtx := ctx
	if d.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.opts.JobTimeout)
		defer cancel()
	}

	running := ledger.StatusRunning
	zero := 0
	d.ledger.Patch(id, ledger.Patch{Status: &running, Progress: &zero})

	msg, err := d.buildMessage(job)
	if err != nil {
		d.fail(id, err.Error(), "")
		return false
	}

	model := job.Model
	if model == "" {
		model = d.opts.Model
	}

	body, err := d.client.StreamGeneration(jobCtx, genapi.GenerationRequest{
		Model:    model,
		Messages: []genapi.Message{msg},
	})
	if err != nil {
		log.Warn("Generation call failed", zap.Int("task_id", id), zap.Error(err))
		d.fail(id, err.Error(), "")
		return false
	}
	defer body.Close()

	ing, err := ingest.New(d.opts.Ingest)
	if err != nil {
		d.fail(id, err.Error(), "")
		return false
	}

	streamErr := ing.Consume(body, func(u ingest.Update) {
		d.applyUpdate(id, u)
	})
	if streamErr != nil {
		log.Warn("Stream aborted", zap.Int("task_id", id), zap.Error(streamErr))
		d.fail(id, streamErr.Error(), ing.Tail())
		return false
	}

	d.finalize(id, ing)
	return true
}

// applyUpdate maps one ingest update onto a ledger patch.
func (d *Dispatcher) applyUpdate(id int, u ingest.Update) {
	tail := u.Tail
	p := ledger.Patch{LogTail: &tail}
	if u.Progress != nil {
		p.Progress = u.Progress
	}
	if u.Media != nil {
		url := u.Media.URL
		mediaType := ledger.MediaType(u.Media.Type)
		p.URL = &url
		p.Type = &mediaType
		if m := u.Media.Meta; m.Resolution != "" || m.Duration != "" {
			p.Meta = &ledger.Meta{Resolution: m.Resolution, Duration: m.Duration}
		}
	}
	d.ledger.Patch(id, p)
}

// finalize marks the task done, flagging it when no media resolved and
// registering resolved media with the preview collaborator.
func (d *Dispatcher) finalize(id int, ing *ingest.Ingestor) {
	status := ledger.StatusDone
	p := ledger.Patch{Status: &status}

	media := ing.Media()
	if media == nil {
		noLink := true
		msg := noLinkMessage
		p.NoLink = &noLink
		p.Message = &msg
		d.ledger.Patch(id, p)
		return
	}

	hundred := 100
	p.Progress = &hundred
	d.ledger.Patch(id, p)

	if d.previews != nil {
		d.previews.Register(media.URL, ledger.MediaType(media.Type), id)
	}
	if d.opts.OnResolved != nil {
		d.opts.OnResolved(id, *media)
	}
}

// fail finalizes a task as errored: message set, progress reset.
func (d *Dispatcher) fail(id int, message, tail string) {
	status := ledger.StatusError
	zero := 0
	p := ledger.Patch{Status: &status, Message: &message, Progress: &zero}
	if tail != "" {
		p.LogTail = &tail
	}
	d.ledger.Patch(id, p)
}

// buildMessage assembles the user message, attaching the job file as a
// data URL when present.
func (d *Dispatcher) buildMessage(job jobfile.Job) (genapi.Message, error) {
	if job.File == "" {
		return genapi.UserMessage(job.Prompt), nil
	}
	part, err := genapi.AttachmentPart(job.File)
	if err != nil {
		return genapi.Message{}, fmt.Errorf("attach %s: %w", job.File, err)
	}
	return genapi.UserMessage(job.Prompt, part), nil
}
