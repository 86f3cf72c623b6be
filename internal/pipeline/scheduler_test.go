package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go-data-migrate/internal/client"
	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps retry tests quick.
var fastRetry = model.RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      time.Millisecond,
	MaxDelay:          5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func patchTx(ids ...string) []model.Transaction {
	txs := make([]model.Transaction, len(ids))
	for i, id := range ids {
		txs[i] = model.NewTransaction("tx-"+id, model.Patch(id, model.At(model.Path{model.Field("x")}, model.Set(1))))
	}
	return txs
}

// feed sends one document unit per transaction and closes the channel.
func feed(ctx context.Context, txs []model.Transaction) <-chan unit {
	ch := make(chan unit)
	go func() {
		defer close(ch)
		for i := range txs {
			select {
			case ch <- unit{documents: 1, tx: &txs[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func okResult(tx model.Transaction) model.TransactionResult {
	return model.TransactionResult{TransactionID: tx.ID}
}

func TestNewSchedulerValidation(t *testing.T) {
	noop := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		return okResult(tx), nil
	})

	s, err := NewScheduler(noop, model.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConcurrency, s.Concurrency())

	for _, n := range []int{-1, 11} {
		_, err := NewScheduler(noop, model.RunOptions{Concurrency: n}, nil)
		var de *DefinitionError
		assert.True(t, errors.As(err, &de), "concurrency %d", n)
	}

	_, err = NewScheduler(nil, model.RunOptions{}, nil)
	assert.Error(t, err)
}

func TestSchedulerBoundsInFlight(t *testing.T) {
	var current, peak atomic.Int32
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return okResult(tx), nil
	})

	log := &progressLog{}
	s, err := NewScheduler(committer, model.RunOptions{Concurrency: 2, OnProgress: log.observe}, nil)
	require.NoError(t, err)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%d", i)
	}
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx(ids...)))
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 10, progress.Committed())
	for _, p := range log.all() {
		assert.LessOrEqual(t, p.Pending, 2)
		assert.LessOrEqual(t, len(p.CurrentTransactions), 2)
		assert.LessOrEqual(t, p.QueuedBatches, 2)
	}
}

func TestSchedulerSubmitsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		mu.Lock()
		order = append(order, tx.ID)
		mu.Unlock()
		return okResult(tx), nil
	})

	s, err := NewScheduler(committer, model.RunOptions{Concurrency: 1}, nil)
	require.NoError(t, err)
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("a", "b", "c", "d")))
	require.NoError(t, err)

	assert.Equal(t, []string{"tx-a", "tx-b", "tx-c", "tx-d"}, order)
	for i, r := range progress.CompletedTransactions {
		assert.Equal(t, i+1, r.Sequence)
	}
}

func TestSchedulerCompletesThreeDocuments(t *testing.T) {
	log := &progressLog{}
	s, err := NewScheduler(NewRecorder(nil), model.RunOptions{DryRun: true, OnProgress: log.observe}, nil)
	require.NoError(t, err)

	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("a", "b", "c")))
	require.NoError(t, err)

	assert.Equal(t, model.StateDone, progress.State)
	assert.True(t, progress.Done)
	assert.Equal(t, 3, progress.Documents)
	assert.Equal(t, 3, progress.Mutations)
	assert.Equal(t, 3, progress.Committed())
	assert.Zero(t, progress.Pending)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, committedIDs(progress))

	snaps := log.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, model.StateRunning, snaps[0].State)
	assert.True(t, snaps[len(snaps)-1].Done)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Documents, snaps[i-1].Documents)
		assert.GreaterOrEqual(t, len(snaps[i].CompletedTransactions), len(snaps[i-1].CompletedTransactions))
	}
	for _, p := range snaps[:len(snaps)-1] {
		assert.False(t, p.Done)
	}
}

func TestSchedulerStopsOnPermanentFailure(t *testing.T) {
	var mu sync.Mutex
	var submitted []string
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		mu.Lock()
		submitted = append(submitted, tx.ID)
		mu.Unlock()
		if tx.ID == "tx-d2" {
			return model.TransactionResult{}, &client.APIError{StatusCode: http.StatusConflict, Message: "revision mismatch"}
		}
		time.Sleep(100 * time.Millisecond)
		return okResult(tx), nil
	})

	s, err := NewScheduler(committer, model.RunOptions{Concurrency: 3, Retry: fastRetry}, nil)
	require.NoError(t, err)
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("d1", "d2", "d3", "d4")))

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, []string{"d2"}, txErr.DocumentIDs)
	assert.Equal(t, 1, txErr.Attempts)

	assert.Equal(t, model.StateFailed, progress.State)
	assert.True(t, progress.Done)
	assert.Contains(t, committedIDs(progress), "d1")
	assert.NotContains(t, submitted, "tx-d4")
	assert.Zero(t, progress.Pending)
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		if calls.Add(1) <= 2 {
			return model.TransactionResult{}, &client.APIError{StatusCode: http.StatusServiceUnavailable}
		}
		return okResult(tx), nil
	})

	s, err := NewScheduler(committer, model.RunOptions{Retry: fastRetry}, nil)
	require.NoError(t, err)
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("a")))
	require.NoError(t, err)

	require.Len(t, progress.CompletedTransactions, 1)
	assert.Equal(t, 3, progress.CompletedTransactions[0].Attempts)
	assert.True(t, progress.CompletedTransactions[0].Succeeded())
}

func TestSchedulerRetriesSlowCommit(t *testing.T) {
	var calls atomic.Int32
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		if calls.Add(1) == 1 {
			// Hang until the attempt deadline cuts the commit off.
			<-ctx.Done()
			return model.TransactionResult{}, ctx.Err()
		}
		return okResult(tx), nil
	})

	s, err := NewScheduler(committer, model.RunOptions{SubmitTimeout: 20 * time.Millisecond, Retry: fastRetry}, nil)
	require.NoError(t, err)

	start := time.Now()
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("a")))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.StateDone, progress.State)
	require.Len(t, progress.CompletedTransactions, 1)
	assert.True(t, progress.CompletedTransactions[0].Succeeded())
	assert.Equal(t, 2, progress.CompletedTransactions[0].Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackoffJitterDefaultsOn(t *testing.T) {
	b := newBackoff(model.RetryConfig{}.WithDefaults())
	assert.True(t, b.Jitter)
	assert.Equal(t, time.Second, b.Min)
	assert.Equal(t, 30*time.Second, b.Max)

	b = newBackoff(model.RetryConfig{NoJitter: true}.WithDefaults())
	assert.False(t, b.Jitter)
}

func TestSchedulerRetryBudget(t *testing.T) {
	var calls atomic.Int32
	committer := CommitterFunc(func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		calls.Add(1)
		return model.TransactionResult{}, &client.APIError{StatusCode: http.StatusTooManyRequests}
	})

	s, err := NewScheduler(committer, model.RunOptions{Retry: fastRetry}, nil)
	require.NoError(t, err)
	progress, err := s.Run(context.Background(), feed(context.Background(), patchTx("a")))

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, 3, txErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "exhausted")

	var apiErr *client.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, model.StateFailed, progress.State)
	assert.False(t, progress.CompletedTransactions[0].Succeeded())
}

func TestSchedulerCancellationDrainsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	committer := CommitterFunc(func(cctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		once.Do(cancel)
		time.Sleep(10 * time.Millisecond)
		// Commits in flight are not cut short by the run being cancelled.
		if err := cctx.Err(); err != nil {
			return model.TransactionResult{}, err
		}
		return okResult(tx), nil
	})

	s, err := NewScheduler(committer, model.RunOptions{Concurrency: 1}, nil)
	require.NoError(t, err)
	progress, err := s.Run(ctx, feed(ctx, patchTx("a", "b", "c", "d", "e")))

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, model.StateCancelled, progress.State)
	assert.True(t, progress.Cancelled)
	assert.True(t, progress.Done)
	assert.Zero(t, progress.Pending)
	require.NotEmpty(t, progress.CompletedTransactions)
	for _, r := range progress.CompletedTransactions {
		assert.True(t, r.Succeeded())
	}
	assert.Less(t, len(progress.CompletedTransactions), 5)
}

func TestSchedulerCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	committer := CommitterFunc(func(cctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
		cancel()
		return model.TransactionResult{}, &client.APIError{StatusCode: http.StatusBadGateway}
	})

	retry := fastRetry
	retry.InitialDelay = time.Second
	retry.MaxDelay = time.Second
	s, err := NewScheduler(committer, model.RunOptions{Retry: retry}, nil)
	require.NoError(t, err)

	start := time.Now()
	progress, err := s.Run(ctx, feed(ctx, patchTx("a")))
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, model.StateCancelled, progress.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSchedulerFatalUnit(t *testing.T) {
	ch := make(chan unit, 2)
	ch <- unit{documents: 1, err: errors.New("source went away")}
	close(ch)

	s, err := NewScheduler(NewRecorder(nil), model.RunOptions{}, nil)
	require.NoError(t, err)
	progress, err := s.Run(context.Background(), ch)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "source went away")
	assert.Equal(t, model.StateFailed, progress.State)
	assert.Equal(t, "source went away", progress.Error)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &client.APIError{StatusCode: 429}, true},
		{"bad gateway", &client.APIError{StatusCode: 502}, true},
		{"unavailable", &client.APIError{StatusCode: 503}, true},
		{"request timeout", &client.APIError{StatusCode: 408}, true},
		{"conflict", &client.APIError{StatusCode: 409}, false},
		{"bad request", &client.APIError{StatusCode: 400}, false},
		{"wrapped api error", errors.Wrap(&client.APIError{StatusCode: 504}, "commit"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"connection reset", errors.Wrap(syscall.ECONNRESET, "read"), true},
		{"plain", errors.New("validation failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
