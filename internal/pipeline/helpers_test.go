package pipeline

import (
	"context"
	"io"
	"sync"

	"go-data-migrate/internal/model"
	"go-data-migrate/internal/source"
)

// memSource serves fixed documents in batches.
type memSource struct {
	docs []model.Document
	size int
	pos  int
}

func (m *memSource) NextBatch(ctx context.Context) ([]model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pos >= len(m.docs) {
		return nil, io.EOF
	}
	end := min(m.pos+m.size, len(m.docs))
	batch := m.docs[m.pos:end]
	m.pos = end
	return batch, nil
}

func (m *memSource) Close() error { return nil }

func openDocs(docs ...model.Document) source.Opener {
	return func(context.Context) (source.Source, error) {
		return &memSource{docs: docs, size: 2}, nil
	}
}

// memContext answers lookups from a map.
type memContext map[string]model.Document

func (m memContext) GetDocument(_ context.Context, id string) (model.Document, error) {
	return m[id], nil
}

func (m memContext) GetDocuments(_ context.Context, ids []string) ([]model.Document, error) {
	out := make([]model.Document, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out, nil
}

func (m memContext) Query(context.Context, string, map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func post(id, title string) model.Document {
	return model.Document{"_id": id, "_type": "post", "title": title}
}

// progressLog keeps every snapshot a run emits.
type progressLog struct {
	mu        sync.Mutex
	snapshots []model.MigrationProgress
}

func (l *progressLog) observe(p model.MigrationProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, p)
}

func (l *progressLog) all() []model.MigrationProgress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.MigrationProgress(nil), l.snapshots...)
}

// committedIDs lists the documents of successful transactions.
func committedIDs(p model.MigrationProgress) []string {
	var ids []string
	for _, r := range p.CompletedTransactions {
		if r.Succeeded() {
			ids = append(ids, r.DocumentIDs...)
		}
	}
	return ids
}

// setTitle is a per-node migration that overwrites the title field.
func setTitle(value string) *model.NodeMigration {
	return &model.NodeMigration{
		String: func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
			if path.String() != "title" {
				return nil, nil
			}
			return []model.Edit{model.Set(value)}, nil
		},
	}
}
