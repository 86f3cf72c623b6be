package pipeline

import (
	"context"
	"sync"

	"go-data-migrate/internal/model"
	"go-data-migrate/internal/source"

	"github.com/pkg/errors"
)

// ErrQueryUnsupported is returned by Query during an archive replay.
var ErrQueryUnsupported = errors.New("queries are not supported when running from an archive")

// archiveContext answers document lookups from an export archive. The
// archive is indexed on first use, so replays that never look anything up
// never read it twice.
type archiveContext struct {
	open source.Opener

	once  sync.Once
	index map[string]model.Document
	err   error
}

func newArchiveContext(open source.Opener) *archiveContext {
	return &archiveContext{open: open}
}

func (a *archiveContext) load(ctx context.Context) error {
	a.once.Do(func() {
		index := make(map[string]model.Document)
		for doc, err := range source.Documents(ctx, a.open)() {
			if err != nil {
				a.err = errors.Wrap(err, "index archive")
				return
			}
			index[doc.ID()] = doc
		}
		a.index = index
	})
	return a.err
}

func (a *archiveContext) GetDocument(ctx context.Context, id string) (model.Document, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a.index[id], nil
}

func (a *archiveContext) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Document, len(ids))
	for i, id := range ids {
		out[i] = a.index[id]
	}
	return out, nil
}

func (a *archiveContext) Query(context.Context, string, map[string]interface{}) (interface{}, error) {
	return nil, ErrQueryUnsupported
}
