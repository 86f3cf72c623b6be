package pipeline

import (
	"go-data-migrate/internal/model"
)

// inflight is a submitted transaction awaiting its outcome.
type inflight struct {
	seq int
	tx  model.Transaction
}

// runState is the coordinator's private bookkeeping. Only the coordinating
// goroutine touches it.
type runState struct {
	state           model.RunState
	documents       int
	mutations       int
	queue           []inflight
	inflight        []inflight
	completed       []model.TransactionResult
	transformErrors []model.DocumentError
	cancelled       bool
	err             error
}

func newRunState() *runState {
	return &runState{state: model.StateIdle}
}

// snapshot projects the state into an immutable MigrationProgress. The
// in-flight set is copied; the completed and error logs are append-only, so
// they are shared with their capacity clipped, which keeps later appends
// from ever writing into a slice a receiver holds.
func (r *runState) snapshot() model.MigrationProgress {
	current := make([]model.Transaction, len(r.inflight))
	for i, f := range r.inflight {
		current[i] = f.tx
	}
	p := model.MigrationProgress{
		Documents:             r.documents,
		Mutations:             r.mutations,
		Pending:               len(r.inflight),
		QueuedBatches:         len(r.queue),
		CurrentTransactions:   current,
		CompletedTransactions: r.completed[:len(r.completed):len(r.completed)],
		TransformErrors:       r.transformErrors[:len(r.transformErrors):len(r.transformErrors)],
		State:                 r.state,
		Cancelled:             r.cancelled,
		Done:                  r.state.Terminal(),
	}
	if r.err != nil {
		p.Error = r.err.Error()
	}
	return p
}

func (r *runState) removeInflight(seq int) {
	for i, f := range r.inflight {
		if f.seq == seq {
			r.inflight = append(r.inflight[:i], r.inflight[i+1:]...)
			return
		}
	}
}

// Tee fans every snapshot out to all non-nil sinks, in order.
func Tee(sinks ...model.ProgressFunc) model.ProgressFunc {
	var active []model.ProgressFunc
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return func(p model.MigrationProgress) {
		for _, s := range active {
			s(p)
		}
	}
}
