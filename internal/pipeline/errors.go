package pipeline

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrCancelled is returned when the run was stopped by its context.
var ErrCancelled = errors.New("migration cancelled")

// DefinitionError reports a configuration problem found before any document
// is read.
type DefinitionError struct {
	Reason string
}

func (e *DefinitionError) Error() string { return "invalid migration: " + e.Reason }

func definitionErrorf(format string, args ...interface{}) error {
	return &DefinitionError{Reason: fmt.Sprintf(format, args...)}
}

// TransformError reports a failing migration callback. DocumentID is empty
// for free-form migrations, where there is no per-document boundary.
type TransformError struct {
	DocumentID string
	Cause      error
}

func (e *TransformError) Error() string {
	if e.DocumentID == "" {
		return "migration failed: " + e.Cause.Error()
	}
	return fmt.Sprintf("migration failed on document %s: %v", e.DocumentID, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// TransactionError reports a transaction the store refused for good.
type TransactionError struct {
	TransactionID string
	Sequence      int
	DocumentIDs   []string
	Attempts      int
	Cause         error
}

func (e *TransactionError) Error() string {
	id := e.TransactionID
	if id == "" {
		id = fmt.Sprintf("#%d", e.Sequence)
	}
	return fmt.Sprintf("transaction %s (documents %s) failed after %d attempt(s): %v",
		id, strings.Join(e.DocumentIDs, ", "), e.Attempts, e.Cause)
}

func (e *TransactionError) Unwrap() error { return e.Cause }
