package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
)

// RecordedTransaction is one line of dry-run output.
type RecordedTransaction struct {
	TransactionID string           `json:"transaction_id"`
	RecordedAt    time.Time        `json:"recorded_at"`
	Mutations     []model.Mutation `json:"mutations"`
}

// Recorder is the dry-run committer: it accepts every transaction without
// contacting the store and optionally writes it out as NDJSON.
type Recorder struct {
	mu           sync.Mutex
	w            io.Writer
	transactions []model.Transaction
}

// NewRecorder returns a recorder writing to w. w may be nil.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w}
}

// Commit records tx.
func (r *Recorder) Commit(ctx context.Context, tx model.Transaction) (model.TransactionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.TransactionResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w != nil {
		line, err := json.Marshal(RecordedTransaction{
			TransactionID: tx.ID,
			RecordedAt:    time.Now().UTC(),
			Mutations:     tx.Mutations,
		})
		if err != nil {
			return model.TransactionResult{}, errors.Wrap(err, "encode dry-run transaction")
		}
		if _, err := r.w.Write(append(line, '\n')); err != nil {
			return model.TransactionResult{}, errors.Wrap(err, "write dry-run transaction")
		}
	}
	r.transactions = append(r.transactions, tx)

	res := model.TransactionResult{TransactionID: tx.ID, DryRun: true}
	for _, m := range tx.Mutations {
		res.Results = append(res.Results, model.MutationResult{ID: m.DocumentID, Operation: operationOf(m)})
	}
	return res, nil
}

// Transactions returns what has been recorded so far, in commit order.
func (r *Recorder) Transactions() []model.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Transaction(nil), r.transactions...)
}

// operationOf names the effect a mutation has on its document, the way the
// store reports it.
func operationOf(m model.Mutation) string {
	op := "update"
	for _, in := range m.Instructions {
		switch in.Type {
		case model.InstructionCreate, model.InstructionCreateIfNotExists, model.InstructionCreateOrReplace:
			op = "create"
		case model.InstructionDelete:
			return "delete"
		}
	}
	return op
}
