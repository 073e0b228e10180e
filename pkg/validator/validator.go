// Package validator batch-tests access tokens against the upstream
// test endpoint under a small fixed concurrency bound, aggregating
// pass/fail counts by failure category.
package validator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sorabatch/sorabatch/internal/observability"
	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/tokens"
)

// MaxConcurrency caps the worker count regardless of the caller's
// request. Token tests hit an admin endpoint that tolerates little
// parallelism.
const MaxConcurrency = 6

// DefaultTimeout bounds one token test call.
const DefaultTimeout = genapi.DefaultTokenTestTimeout

// Outcome classifies one token test.
type Outcome string

const (
	// OutcomeSuccess is a well-formed response confirming a valid token.
	OutcomeSuccess Outcome = "success"
	// OutcomeInvalid is a well-formed response rejecting the token.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeMalformed is a response body that was not valid JSON.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeTimeout is a test aborted by the per-item deadline.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeTransport is a connection or non-2xx failure.
	OutcomeTransport Outcome = "transport"
	// OutcomeDuplicate is an id rejected because it was already being
	// tested when claimed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is one token's test outcome.
type Result struct {
	ID      string
	Outcome Outcome
	Message string
}

// Summary aggregates a finished batch.
type Summary struct {
	OK                 int
	Fail               int
	FailuresByCategory map[Outcome]int
	// FirstFailure is the first failure's human-readable cause,
	// surfaced once at batch end.
	FirstFailure string
	Results      []Result
}

// TokenTester issues one test call. *genapi.Client satisfies it.
type TokenTester interface {
	TestToken(ctx context.Context, id string) (*tokens.TestResponse, error)
}

// Options tunes a Validator.
type Options struct {
	// Concurrency is clamped to [1, MaxConcurrency] and len(ids).
	Concurrency int

	// Timeout bounds one test call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Records, when set, receives confined merges of successful test
	// responses, keyed by token id.
	Records map[string]*tokens.Record

	// OnProgress reports (completed, total) after each item finishes.
	// The completed count never regresses and reaches total exactly
	// when the batch settles.
	OnProgress func(completed, total int)
}

// Validator is safe for a single Run at a time.
type Validator struct {
	tester TokenTester
	opts   Options

	mu      sync.Mutex
	testing map[string]bool
}

// New builds a validator.
func New(tester TokenTester, opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Validator{tester: tester, opts: opts, testing: make(map[string]bool)}
}

// Run tests every id and blocks until all finish. Item failures never
// abort the batch. After Run returns, no id remains marked testing,
// even if a per-item cleanup was skipped.
func (v *Validator) Run(ctx context.Context, ids []string) Summary {
	summary := Summary{FailuresByCategory: make(map[Outcome]int)}
	if len(ids) == 0 {
		return summary
	}

	workers := v.opts.Concurrency
	if workers < 1 || workers > MaxConcurrency {
		workers = MaxConcurrency
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	batchID := uuid.NewString()
	log := observability.CLILogger.With(zap.String("batch_id", batchID))
	log.Info("Token batch starting",
		zap.Int("tokens", len(ids)),
		zap.Int("workers", workers))

	results := make([]Result, len(ids))
	var (
		cursor    atomic.Int64
		completed atomic.Int64
		wg        sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := int(cursor.Add(1)) - 1
				if idx >= len(ids) {
					return
				}
				results[idx] = v.testOne(ctx, ids[idx])

				done := int(completed.Add(1))
				if v.opts.OnProgress != nil {
					v.opts.OnProgress(done, len(ids))
				}
			}
		}()
	}
	wg.Wait()

	// End-of-batch safety net: no id may stay visibly stuck in a
	// testing state after the batch settles.
	v.forceClearTesting()

	for _, r := range results {
		if r.Outcome == OutcomeSuccess {
			summary.OK++
			continue
		}
		summary.Fail++
		summary.FailuresByCategory[r.Outcome]++
		if summary.FirstFailure == "" {
			summary.FirstFailure = r.Message
		}
	}
	summary.Results = results

	log.Info("Token batch finished",
		zap.Int("ok", summary.OK),
		zap.Int("fail", summary.Fail))
	return summary
}

// testOne runs a single token test with the per-item deadline.
func (v *Validator) testOne(ctx context.Context, id string) Result {
	if !v.markTesting(id) {
		return Result{ID: id, Outcome: OutcomeDuplicate, Message: "already being tested"}
	}
	defer v.clearTesting(id)

	callCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	resp, err := v.tester.TestToken(callCtx, id)
	switch {
	case err == nil && resp.Valid():
		if rec, ok := v.opts.Records[id]; ok {
			rec.Merge(resp, time.Now().UTC())
		}
		return Result{ID: id, Outcome: OutcomeSuccess}
	case err == nil:
		return Result{ID: id, Outcome: OutcomeInvalid, Message: resp.FailureMessage()}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return Result{ID: id, Outcome: OutcomeTimeout, Message: "test timed out"}
	case errors.Is(err, genapi.ErrMalformedResponse):
		return Result{ID: id, Outcome: OutcomeMalformed, Message: err.Error()}
	default:
		return Result{ID: id, Outcome: OutcomeTransport, Message: err.Error()}
	}
}

func (v *Validator) markTesting(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.testing[id] {
		return false
	}
	v.testing[id] = true
	return true
}

func (v *Validator) clearTesting(id string) {
	v.mu.Lock()
	delete(v.testing, id)
	v.mu.Unlock()
}

func (v *Validator) forceClearTesting() {
	v.mu.Lock()
	v.testing = make(map[string]bool)
	v.mu.Unlock()
}

// TestingIDs returns the ids currently marked in-flight.
func (v *Validator) TestingIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.testing))
	for id := range v.testing {
		out = append(out, id)
	}
	return out
}
