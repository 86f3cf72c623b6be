package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
)

// Querier runs a store query and decodes its result into out.
type Querier interface {
	QueryInto(ctx context.Context, query string, params map[string]interface{}, out interface{}) error
}

// LiveConfig selects the documents a live source reads.
type LiveConfig struct {
	Filter        string
	DocumentTypes []string
	BatchSize     int
}

// Live pages through the store ordered by _id, using the last seen id as
// the cursor. Ordering is stable within a run as long as ids are.
type Live struct {
	q      Querier
	cfg    LiveConfig
	query  string
	cursor string
	done   bool
}

// NewLive returns an Opener over the live store.
func NewLive(q Querier, cfg LiveConfig) Opener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	query := liveQuery(cfg)
	return func(ctx context.Context) (Source, error) {
		return &Live{q: q, cfg: cfg, query: query}, nil
	}
}

func liveQuery(cfg LiveConfig) string {
	conds := []string{"_id > $cursor"}
	if len(cfg.DocumentTypes) > 0 {
		conds = append([]string{"_type in $types"}, conds...)
	}
	if f := strings.TrimSpace(cfg.Filter); f != "" {
		conds = append(conds, "("+f+")")
	}
	return fmt.Sprintf("*[%s] | order(_id) [0...%d]", strings.Join(conds, " && "), cfg.BatchSize)
}

func (l *Live) NextBatch(ctx context.Context) ([]model.Document, error) {
	if l.done {
		return nil, io.EOF
	}
	params := map[string]interface{}{"cursor": l.cursor}
	if len(l.cfg.DocumentTypes) > 0 {
		params["types"] = l.cfg.DocumentTypes
	}

	var page []model.Document
	if err := l.q.QueryInto(ctx, l.query, params, &page); err != nil {
		return nil, errors.Wrapf(err, "fetch documents after %q", l.cursor)
	}
	if len(page) < l.cfg.BatchSize {
		l.done = true
	}
	if len(page) == 0 {
		return nil, io.EOF
	}
	l.cursor = page[len(page)-1].ID()
	return page, nil
}

func (l *Live) Close() error { return nil }
