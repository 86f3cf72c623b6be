package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go-data-migrate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRunObserveIsIncremental(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	run, err := j.StartRun(ctx, RunInfo{Migration: "trim-strings", ProjectID: "p", Dataset: "d", Source: "live"})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	first := model.TransactionResult{TransactionID: "t0", Sequence: 0, DocumentIDs: []string{"a", "b"}, CommitID: "c0", Attempts: 1}
	second := model.TransactionResult{TransactionID: "t1", Sequence: 1, DocumentIDs: []string{"c"}, Attempts: 5, Error: "conflict"}

	run.Observe(model.MigrationProgress{State: model.StateRunning, Documents: 2, CompletedTransactions: []model.TransactionResult{first}})
	// Same snapshot again adds nothing.
	run.Observe(model.MigrationProgress{State: model.StateRunning, Documents: 2, CompletedTransactions: []model.TransactionResult{first}})
	run.Observe(model.MigrationProgress{
		State:                 model.StateFailed,
		Documents:             3,
		Mutations:             2,
		Done:                  true,
		Error:                 "conflict",
		CompletedTransactions: []model.TransactionResult{first, second},
		TransformErrors:       []model.DocumentError{{DocumentID: "x", Message: "boom"}},
	})
	require.NoError(t, run.Err())

	txs, err := j.GetTransactions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "t0", txs[0].TransactionID)
	assert.Equal(t, []string{"a", "b"}, txs[0].DocumentIDs)
	assert.Equal(t, "c0", txs[0].CommitID)
	assert.Equal(t, "t1", txs[1].TransactionID)
	assert.Equal(t, 5, txs[1].Attempts)
	assert.Equal(t, "conflict", txs[1].Error)

	runs, err := j.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, run.ID, r.ID)
	assert.Equal(t, "trim-strings", r.Migration)
	assert.Equal(t, string(model.StateFailed), r.Status)
	assert.Equal(t, 3, r.Documents)
	assert.Equal(t, 2, r.Mutations)
	assert.Equal(t, "conflict", r.Error)
	assert.False(t, r.DryRun)
}

func TestRunObserveSkipsUnchangedSnapshots(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	j.interval = time.Hour

	run, err := j.StartRun(ctx, RunInfo{Migration: "m", Source: "live"})
	require.NoError(t, err)

	for i := 1; i <= 2000; i++ {
		run.Observe(model.MigrationProgress{State: model.StateRunning, Documents: i})
	}
	assert.Zero(t, run.writes)
	runs, err := j.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, runs[0].Documents)

	tx := model.TransactionResult{TransactionID: "t0", DocumentIDs: []string{"a"}, Attempts: 1}
	run.Observe(model.MigrationProgress{State: model.StateRunning, Documents: 2001, CompletedTransactions: []model.TransactionResult{tx}})
	assert.Equal(t, 1, run.writes)
	run.Observe(model.MigrationProgress{State: model.StateDraining, Documents: 2001, CompletedTransactions: []model.TransactionResult{tx}})
	assert.Equal(t, 2, run.writes)

	// Counter-only changes are still flushed once the interval has passed.
	j.interval = 0
	run.Observe(model.MigrationProgress{State: model.StateDraining, Documents: 2002, CompletedTransactions: []model.TransactionResult{tx}})
	assert.Equal(t, 3, run.writes)

	j.interval = time.Hour
	run.Observe(model.MigrationProgress{State: model.StateDone, Done: true, Documents: 2003, CompletedTransactions: []model.TransactionResult{tx}})
	assert.Equal(t, 4, run.writes)
	require.NoError(t, run.Err())

	runs, err = j.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, string(model.StateDone), runs[0].Status)
	assert.Equal(t, 2003, runs[0].Documents)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		run, err := j.StartRun(ctx, RunInfo{Migration: name, DryRun: true})
		require.NoError(t, err)
		ids = append(ids, run.ID)
		time.Sleep(5 * time.Millisecond)
	}

	runs, err := j.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
	assert.True(t, runs[0].DryRun)
	assert.Equal(t, string(model.StateRunning), runs[0].Status)
}

func TestGetTransactionsUnknownRun(t *testing.T) {
	txs, err := openTestJournal(t).GetTransactions(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, txs)
}
