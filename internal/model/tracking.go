package model

// RunState is the scheduler's lifecycle state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateDraining  RunState = "draining"
	StateDone      RunState = "done"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// MutationResult is the store's outcome for one document in a transaction.
type MutationResult struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

// TransactionResult records the terminal outcome of one submitted transaction.
type TransactionResult struct {
	TransactionID string           `json:"transaction_id"`
	Sequence      int              `json:"sequence"`
	DocumentIDs   []string         `json:"document_ids"`
	CommitID      string           `json:"commit_id,omitempty"`
	Results       []MutationResult `json:"results,omitempty"`
	DryRun        bool             `json:"dry_run"`
	Attempts      int              `json:"attempts"`
	Error         string           `json:"error,omitempty"`
}

// Succeeded reports whether the transaction was committed (or recorded, in a
// dry run).
func (r TransactionResult) Succeeded() bool { return r.Error == "" }

// DocumentError is a transform failure for a single document.
type DocumentError struct {
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
}

// MigrationProgress is an immutable snapshot of a run. Slices must not be
// modified by receivers.
type MigrationProgress struct {
	Documents             int                 `json:"documents"`
	Mutations             int                 `json:"mutations"`
	Pending               int                 `json:"pending"`
	QueuedBatches         int                 `json:"queued_batches"`
	CurrentTransactions   []Transaction       `json:"current_transactions"`
	CompletedTransactions []TransactionResult `json:"completed_transactions"`
	TransformErrors       []DocumentError     `json:"transform_errors,omitempty"`
	State                 RunState            `json:"state"`
	Cancelled             bool                `json:"cancelled"`
	Done                  bool                `json:"done"`
	Error                 string              `json:"error,omitempty"`
}

// Committed counts successful transactions in the snapshot.
func (p MigrationProgress) Committed() int {
	n := 0
	for _, r := range p.CompletedTransactions {
		if r.Succeeded() {
			n++
		}
	}
	return n
}
