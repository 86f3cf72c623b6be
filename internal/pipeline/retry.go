package pipeline

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"go-data-migrate/internal/model"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// transient is implemented by errors that know whether a retry may help,
// such as store API errors carrying an HTTP status.
type transient interface {
	Transient() bool
}

// IsTransient classifies a commit failure. Rate limiting, gateway errors,
// timeouts and dropped connections are transient; everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func newBackoff(cfg model.RetryConfig) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    cfg.InitialDelay,
		Max:    cfg.MaxDelay,
		Factor: cfg.BackoffMultiplier,
		Jitter: !cfg.NoJitter,
	}
}

// outcome is what a submission worker reports back to the coordinator.
type outcome struct {
	seq    int
	tx     model.Transaction
	result model.TransactionResult
	err    error
	// abandoned is set when a retry was skipped because the run was
	// cancelled.
	abandoned bool
}

// submit commits one transaction, retrying transient failures. Each attempt
// runs on work, which is never cancelled, so a commit already on the wire is
// not cut short; run cancellation only prevents further retries.
func (s *Scheduler) submit(work, run context.Context, seq int, tx model.Transaction, results chan<- outcome) {
	b := newBackoff(s.retry)
	attempts := 0
	for {
		attempts++
		attemptCtx, cancel := context.WithTimeout(work, s.timeout)
		res, err := s.committer.Commit(attemptCtx, tx)
		cancel()

		if err == nil {
			res.TransactionID = firstNonEmpty(tx.ID, res.TransactionID)
			res.Sequence = seq
			res.DocumentIDs = tx.DocumentIDs()
			res.Attempts = attempts
			results <- outcome{seq: seq, tx: tx, result: res}
			return
		}

		retryable := IsTransient(err)
		if !retryable || attempts >= s.retry.MaxAttempts {
			if retryable {
				err = errors.Wrapf(err, "retry budget of %d attempts exhausted", s.retry.MaxAttempts)
			}
			results <- s.failure(seq, tx, attempts, err)
			return
		}

		delay := b.Duration()
		s.logger.Warn("transient commit failure, retrying",
			"transaction", tx.ID, "attempt", attempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-run.Done():
			timer.Stop()
			o := s.failure(seq, tx, attempts, errors.Wrap(err, "run cancelled before retry"))
			o.abandoned = true
			results <- o
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) failure(seq int, tx model.Transaction, attempts int, err error) outcome {
	return outcome{
		seq: seq,
		tx:  tx,
		result: model.TransactionResult{
			TransactionID: tx.ID,
			Sequence:      seq,
			DocumentIDs:   tx.DocumentIDs(),
			DryRun:        s.dryRun,
			Attempts:      attempts,
			Error:         err.Error(),
		},
		err: &TransactionError{
			TransactionID: tx.ID,
			Sequence:      seq,
			DocumentIDs:   tx.DocumentIDs(),
			Attempts:      attempts,
			Cause:         err,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
