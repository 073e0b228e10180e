package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorabatch/sorabatch/pkg/genapi"
	"github.com/sorabatch/sorabatch/pkg/tokens"
)

// fakeTester scripts per-id behavior.
type fakeTester struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    map[string]int
	respond  func(ctx context.Context, id string) (*tokens.TestResponse, error)
}

func newFakeTester(respond func(ctx context.Context, id string) (*tokens.TestResponse, error)) *fakeTester {
	return &fakeTester{calls: make(map[string]int), respond: respond}
}

func (f *fakeTester) TestToken(ctx context.Context, id string) (*tokens.TestResponse, error) {
	f.mu.Lock()
	f.calls[id]++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	return f.respond(ctx, id)
}

func okResponse() (*tokens.TestResponse, error) {
	return &tokens.TestResponse{Success: true, Status: "active"}, nil
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("tok-%d", i)
	}
	return ids
}

func TestBatchWithTimeouts(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		if id == "tok-3" || id == "tok-7" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okResponse()
	})

	v := New(tester, Options{Concurrency: 6, Timeout: 50 * time.Millisecond})
	summary := v.Run(context.Background(), makeIDs(10))

	assert.Equal(t, 8, summary.OK)
	assert.Equal(t, 2, summary.Fail)
	assert.Equal(t, map[Outcome]int{OutcomeTimeout: 2}, summary.FailuresByCategory)
	assert.Empty(t, v.TestingIDs(), "no id remains marked testing after the batch")
}

func TestConcurrencyClamp(t *testing.T) {
	block := make(chan struct{})
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		<-block
		return okResponse()
	})

	v := New(tester, Options{Concurrency: 50, Timeout: time.Second})

	done := make(chan Summary)
	go func() { done <- v.Run(context.Background(), makeIDs(20)) }()

	// Give the workers a moment to saturate.
	time.Sleep(50 * time.Millisecond)
	close(block)
	summary := <-done

	tester.mu.Lock()
	peak := tester.peak
	tester.mu.Unlock()

	assert.LessOrEqual(t, peak, MaxConcurrency)
	assert.Equal(t, 20, summary.OK)
}

func TestEachIDTestedExactlyOnce(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		return okResponse()
	})

	v := New(tester, Options{Concurrency: 4})
	v.Run(context.Background(), makeIDs(15))

	tester.mu.Lock()
	defer tester.mu.Unlock()
	assert.Len(t, tester.calls, 15)
	for id, n := range tester.calls {
		assert.Equal(t, 1, n, "id %s tested %d times", id, n)
	}
}

func TestOutcomeClassification(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		switch id {
		case "valid":
			return okResponse()
		case "invalid":
			return &tokens.TestResponse{Success: false, Message: "token expired"}, nil
		case "malformed":
			return nil, fmt.Errorf("%w: <html>", genapi.ErrMalformedResponse)
		default:
			return nil, errors.New("connection refused")
		}
	})

	v := New(tester, Options{Concurrency: 1})
	summary := v.Run(context.Background(), []string{"valid", "invalid", "malformed", "broken"})

	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, 3, summary.Fail)
	assert.Equal(t, map[Outcome]int{
		OutcomeInvalid:   1,
		OutcomeMalformed: 1,
		OutcomeTransport: 1,
	}, summary.FailuresByCategory)
	assert.Equal(t, "token expired", summary.FirstFailure, "first failure cause is retained")
}

func TestFailedStatusCountsAsInvalid(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		// The upstream wraps an invalid-but-testable token in
		// success:true; status carries the verdict.
		return &tokens.TestResponse{Success: true, Status: "failed", Message: "token expired"}, nil
	})

	rec := &tokens.Record{ID: "tok-0", Status: "active"}
	v := New(tester, Options{
		Concurrency: 1,
		Records:     map[string]*tokens.Record{"tok-0": rec},
	})
	summary := v.Run(context.Background(), []string{"tok-0"})

	assert.Equal(t, 0, summary.OK)
	assert.Equal(t, 1, summary.Fail)
	assert.Equal(t, map[Outcome]int{OutcomeInvalid: 1}, summary.FailuresByCategory)
	assert.Equal(t, "token expired", summary.FirstFailure)

	// An invalid verdict never refreshes the record.
	assert.Equal(t, "active", rec.Status)
	assert.True(t, rec.LastTestedAt.IsZero())
}

func TestSuccessfulResponseMergesRecord(t *testing.T) {
	remaining := 9
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		return &tokens.TestResponse{
			Success:             true,
			Status:              "active",
			Sora2RemainingCount: &remaining,
		}, nil
	})

	rec := &tokens.Record{ID: "tok-0", Status: "unknown"}
	v := New(tester, Options{
		Concurrency: 1,
		Records:     map[string]*tokens.Record{"tok-0": rec},
	})
	summary := v.Run(context.Background(), []string{"tok-0"})

	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, "active", rec.Status)
	assert.Equal(t, 9, rec.Sora2RemainingCount)
	assert.False(t, rec.LastTestedAt.IsZero())
}

func TestDuplicateIDsRejected(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		return okResponse()
	})

	v := New(tester, Options{Concurrency: 1})

	// Simulate an id already in flight from another submission.
	require.True(t, v.markTesting("same"))

	result := v.testOne(context.Background(), "same")
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	// The original claim is untouched by the rejected duplicate.
	assert.Equal(t, []string{"same"}, v.TestingIDs())
	v.clearTesting("same")

	tester.mu.Lock()
	defer tester.mu.Unlock()
	assert.Empty(t, tester.calls, "rejected duplicates never reach the endpoint")
}

func TestProgressMonotonicAndComplete(t *testing.T) {
	tester := newFakeTester(func(ctx context.Context, id string) (*tokens.TestResponse, error) {
		return okResponse()
	})

	var mu sync.Mutex
	var seen []int
	var last atomic.Int64

	v := New(tester, Options{
		Concurrency: 4,
		OnProgress: func(completed, total int) {
			assert.Equal(t, 12, total)
			mu.Lock()
			seen = append(seen, completed)
			mu.Unlock()
			last.Store(int64(completed))
		},
	})
	v.Run(context.Background(), makeIDs(12))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 12)
	assert.Equal(t, int64(12), last.Load(), "counter reaches total exactly once all workers exit")
}

func TestDefaultTimeoutApplied(t *testing.T) {
	v := New(newFakeTester(nil), Options{})
	assert.Equal(t, genapi.DefaultTokenTestTimeout, v.opts.Timeout)
}

func TestEmptyBatch(t *testing.T) {
	v := New(newFakeTester(nil), Options{})
	summary := v.Run(context.Background(), nil)
	assert.Equal(t, 0, summary.OK)
	assert.Equal(t, 0, summary.Fail)
}
