package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go-data-migrate/internal/model"
)

// Committer submits one transaction to the store.
type Committer interface {
	Commit(ctx context.Context, tx model.Transaction) (model.TransactionResult, error)
}

// CommitterFunc adapts a function to Committer.
type CommitterFunc func(ctx context.Context, tx model.Transaction) (model.TransactionResult, error)

func (f CommitterFunc) Commit(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
	return f(ctx, tx)
}

// unit is what the producer hands the scheduler. A unit may carry a
// transaction, a per-document failure, a fatal error, or just a document
// count for documents that produced no output.
type unit struct {
	documents int
	tx        *model.Transaction
	docErr    *TransformError
	err       error
}

// Scheduler commits transactions in submission order with at most
// concurrency of them in flight.
type Scheduler struct {
	concurrency int
	committer   Committer
	dryRun      bool
	retry       model.RetryConfig
	timeout     time.Duration
	onProgress  model.ProgressFunc
	logger      *slog.Logger
}

// NewScheduler applies defaults to opts. A zero concurrency means
// DefaultConcurrency.
func NewScheduler(committer Committer, opts model.RunOptions, logger *slog.Logger) (*Scheduler, error) {
	if committer == nil {
		return nil, definitionErrorf("no committer configured")
	}
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = model.DefaultConcurrency
	}
	if concurrency < 1 || concurrency > model.MaxConcurrency {
		return nil, definitionErrorf("concurrency must be between 1 and %d, got %d", model.MaxConcurrency, opts.Concurrency)
	}
	timeout := opts.SubmitTimeout
	if timeout <= 0 {
		timeout = model.DefaultSubmitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		concurrency: concurrency,
		committer:   committer,
		dryRun:      opts.DryRun,
		retry:       opts.Retry.WithDefaults(),
		timeout:     timeout,
		onProgress:  opts.OnProgress,
		logger:      logger,
	}, nil
}

// Concurrency returns the effective in-flight bound.
func (s *Scheduler) Concurrency() int { return s.concurrency }

// Run consumes upstream until it is closed, the context is cancelled or a
// transaction fails for good, and returns the final snapshot. Transactions
// already submitted always run to completion; after a failure or
// cancellation nothing new is submitted and queued work is dropped.
//
// The error is the first transaction or upstream failure, else ErrCancelled,
// else the first per-document transform failure.
func (s *Scheduler) Run(ctx context.Context, upstream <-chan unit) (model.MigrationProgress, error) {
	st := newRunState()
	st.state = model.StateRunning
	s.emit(st)

	// Commits outlive cancellation of the run; only retries observe it.
	work := context.WithoutCancel(ctx)
	results := make(chan outcome)
	done := ctx.Done()

	var (
		seq       int
		stopping  bool
		fatal     error
		transform error
	)

	stop := func() {
		stopping = true
		st.queue = nil
	}

	for {
		for !stopping && len(st.queue) > 0 && len(st.inflight) < s.concurrency {
			next := st.queue[0]
			st.queue = st.queue[1:]
			st.inflight = append(st.inflight, next)
			go s.submit(work, ctx, next.seq, next.tx, results)
		}

		exhausted := upstream == nil || stopping
		if exhausted && len(st.inflight) == 0 && len(st.queue) == 0 {
			break
		}
		if exhausted && st.state == model.StateRunning {
			st.state = model.StateDraining
			s.emit(st)
		}

		// Stop pulling while the queue is full.
		var in <-chan unit
		if !stopping && len(st.queue) < s.concurrency {
			in = upstream
		}

		select {
		case u, ok := <-in:
			if !ok {
				upstream = nil
				s.logger.Debug("upstream exhausted", "documents", st.documents, "queued", len(st.queue))
				continue
			}
			st.documents += u.documents
			switch {
			case u.err != nil:
				fatal = u.err
				s.logger.Error("migration aborted", "error", u.err)
				stop()
			case u.docErr != nil:
				st.transformErrors = append(st.transformErrors, model.DocumentError{
					DocumentID: u.docErr.DocumentID,
					Message:    u.docErr.Cause.Error(),
				})
				if transform == nil {
					transform = u.docErr
				}
				s.logger.Warn("document skipped", "document", u.docErr.DocumentID, "error", u.docErr.Cause)
			case u.tx != nil:
				seq++
				st.mutations += len(u.tx.Mutations)
				st.queue = append(st.queue, inflight{seq: seq, tx: *u.tx})
			}
		case o := <-results:
			st.removeInflight(o.seq)
			st.completed = append(st.completed, o.result)
			switch {
			case o.abandoned:
				s.logger.Warn("transaction abandoned", "transaction", o.tx.ID, "sequence", o.seq, "error", o.err)
				st.cancelled = true
				stop()
			case o.err != nil:
				s.logger.Error("transaction failed", "transaction", o.tx.ID, "sequence", o.seq, "error", o.err)
				if fatal == nil {
					fatal = o.err
				}
				stop()
			default:
				s.logger.Debug("transaction committed", "transaction", o.result.TransactionID, "sequence", o.seq, "attempts", o.result.Attempts)
			}
		case <-done:
			done = nil
			st.cancelled = true
			s.logger.Info("migration cancelled, draining in-flight transactions", "in_flight", len(st.inflight))
			stop()
		}
		s.emit(st)
	}

	// The producer also watches ctx and may close upstream before the
	// cancellation is seen above.
	if !st.cancelled && ctx.Err() != nil {
		st.cancelled = true
	}

	var err error
	switch {
	case fatal != nil:
		st.state, err = model.StateFailed, fatal
	case st.cancelled:
		st.state, err = model.StateCancelled, ErrCancelled
	case transform != nil:
		st.state, err = model.StateFailed, transform
	default:
		st.state = model.StateDone
	}
	st.err = err
	final := st.snapshot()
	s.emit(st)
	return final, err
}

func (s *Scheduler) emit(st *runState) {
	if s.onProgress != nil {
		s.onProgress(st.snapshot())
	}
}
