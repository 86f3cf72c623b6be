// Package source provides the document streams a migration consumes: a live
// paginated query against the store, or a decoded export archive.
package source

import (
	"context"
	"io"
	"iter"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
)

// DefaultBatchSize is the page size used when none is configured.
const DefaultBatchSize = 100

// Source yields documents in batches. NextBatch returns io.EOF once the
// stream is exhausted, and keeps returning it on later calls.
type Source interface {
	NextBatch(ctx context.Context) ([]model.Document, error)
	Close() error
}

// Opener starts a fresh pass over a document set.
type Opener func(ctx context.Context) (Source, error)

// Documents adapts open into the restartable sequence migrations consume.
// Every call of the returned function opens a new Source.
func Documents(ctx context.Context, open Opener) model.Documents {
	return func() iter.Seq2[model.Document, error] {
		return func(yield func(model.Document, error) bool) {
			src, err := open(ctx)
			if err != nil {
				yield(nil, errors.Wrap(err, "open document source"))
				return
			}
			defer src.Close()

			for {
				batch, err := src.NextBatch(ctx)
				if err == io.EOF {
					return
				}
				if err != nil {
					yield(nil, err)
					return
				}
				for _, doc := range batch {
					if !yield(doc, nil) {
						return
					}
				}
			}
		}
	}
}

// typeFilter reports whether a document passes an allow-list of types. An
// empty list admits everything.
func typeFilter(types []string) func(model.Document) bool {
	if len(types) == 0 {
		return func(model.Document) bool { return true }
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(d model.Document) bool {
		_, ok := allowed[d.Type()]
		return ok
	}
}
