package pipeline

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"go-data-migrate/internal/client"
	"go-data-migrate/internal/model"
	"go-data-migrate/internal/source"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Job is everything one run needs, fully resolved. The entry points below
// build Jobs; tests build them directly.
type Job struct {
	Migration model.Migration
	Source    source.Opener
	Context   model.MigrationContext
	Committer Committer
	Options   model.RunOptions
}

// ------------------- Run entry points -------------------

// DryRun reads documents from the live store and runs the migration without
// committing anything.
func DryRun(ctx context.Context, cfg client.Config, m model.Migration, opts model.RunOptions) (model.MigrationProgress, error) {
	opts.DryRun = true
	c, err := newClient(cfg, opts)
	if err != nil {
		return model.MigrationProgress{}, err
	}
	return Execute(ctx, Job{
		Migration: m,
		Source:    liveSource(c, m, opts),
		Context:   c,
		Committer: NewRecorder(opts.DryRunOutput),
		Options:   opts,
	})
}

// Run migrates the live dataset.
func Run(ctx context.Context, cfg client.Config, m model.Migration, opts model.RunOptions) (model.MigrationProgress, error) {
	if opts.DryRun {
		return DryRun(ctx, cfg, m, opts)
	}
	c, err := newClient(cfg, opts)
	if err != nil {
		return model.MigrationProgress{}, err
	}
	return Execute(ctx, Job{
		Migration: m,
		Source:    liveSource(c, m, opts),
		Context:   c,
		Committer: c,
		Options:   opts,
	})
}

// RunFromArchive replays the migration against a local export. It always
// runs dry and never touches the network.
func RunFromArchive(ctx context.Context, m model.Migration, archivePath string, opts model.RunOptions) (model.MigrationProgress, error) {
	return RunFromArchiveConfig(ctx, m, source.ArchiveConfig{Path: archivePath}, opts)
}

// RunFromArchiveConfig is RunFromArchive for archives that need more than a
// path, such as exports kept in an S3 bucket.
func RunFromArchiveConfig(ctx context.Context, m model.Migration, cfg source.ArchiveConfig, opts model.RunOptions) (model.MigrationProgress, error) {
	opts.DryRun = true
	if cfg.BatchSize == 0 {
		cfg.BatchSize = opts.BatchSize
	}
	// Lookups see every document in the archive, not just the migrated types.
	all := cfg
	all.DocumentTypes = nil
	cfg.DocumentTypes = m.DocumentTypes

	if m.Filter != "" {
		logger(opts).Warn("filter is ignored when running from an archive", "filter", m.Filter)
	}
	return Execute(ctx, Job{
		Migration: m,
		Source:    source.NewArchive(cfg),
		Context:   newArchiveContext(source.NewArchive(all)),
		Committer: NewRecorder(opts.DryRunOutput),
		Options:   opts,
	})
}

func newClient(cfg client.Config, opts model.RunOptions) (*client.Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, &DefinitionError{Reason: err.Error()}
	}
	return c, nil
}

func liveSource(c *client.Client, m model.Migration, opts model.RunOptions) source.Opener {
	return source.NewLive(c, source.LiveConfig{
		Filter:        m.Filter,
		DocumentTypes: m.DocumentTypes,
		BatchSize:     opts.BatchSize,
	})
}

func logger(opts model.RunOptions) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

// ------------------- Execution -------------------

// Execute validates job and runs it to completion. The producer (source
// iteration, transform and collation) runs in its own goroutine and hands
// transactions to the scheduler, which owns everything after that.
func Execute(ctx context.Context, job Job) (model.MigrationProgress, error) {
	if err := ValidateJob(job); err != nil {
		return model.MigrationProgress{}, err
	}
	log := logger(job.Options).With("migration", job.Migration.Name)

	sched, err := NewScheduler(job.Committer, job.Options, log)
	if err != nil {
		return model.MigrationProgress{}, err
	}

	start := time.Now()
	log.Info("migration started",
		"dry_run", job.Options.DryRun,
		"concurrency", sched.Concurrency(),
		"types", job.Migration.DocumentTypes)

	prodCtx, stopProducer := context.WithCancel(ctx)
	defer stopProducer()

	units := make(chan unit)
	g, gctx := errgroup.WithContext(prodCtx)
	g.Go(func() error {
		defer close(units)
		p := &producer{job: job, out: units, ctx: gctx}
		p.run()
		return nil
	})

	progress, runErr := sched.Run(ctx, units)
	// The scheduler may stop before the producer does; unblock it.
	stopProducer()
	_ = g.Wait()

	attrs := []any{
		"state", progress.State,
		"documents", progress.Documents,
		"mutations", progress.Mutations,
		"transactions", len(progress.CompletedTransactions),
		"duration", time.Since(start).Round(time.Millisecond),
	}
	if runErr != nil {
		log.Error("migration finished with error", append(attrs, "error", runErr)...)
	} else {
		log.Info("migration finished", attrs...)
	}
	return progress, runErr
}

// producer turns documents into scheduler units.
type producer struct {
	job Job
	out chan<- unit
	ctx context.Context
}

// send delivers u unless the run is being torn down.
func (p *producer) send(u unit) bool {
	select {
	case p.out <- u:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *producer) run() {
	docs := source.Documents(p.ctx, p.job.Source)
	if p.job.Migration.Node != nil {
		p.runNode(docs)
		return
	}
	p.runAsync(docs)
}

func (p *producer) runNode(docs model.Documents) {
	exec := NewExecutor(p.job.Migration.Node)
	col := NewCollator()

	for doc, err := range docs() {
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			p.send(unit{err: errors.Wrap(err, "read documents")})
			return
		}

		items, err := exec.ExecuteDocument(p.ctx, doc, p.job.Context)
		if err == nil {
			var txs []model.Transaction
			txs, err = col.Group(items)
			if err == nil {
				if !p.sendTransactions(1, txs) {
					return
				}
				continue
			}
			err = &TransformError{DocumentID: doc.ID(), Cause: err}
		}
		if p.ctx.Err() != nil {
			return
		}
		var te *TransformError
		if !errors.As(err, &te) {
			te = &TransformError{DocumentID: doc.ID(), Cause: err}
		}
		if !p.send(unit{documents: 1, docErr: te}) {
			return
		}
	}
}

// sendTransactions attributes documents to the first unit so the document
// count advances exactly once per document.
func (p *producer) sendTransactions(documents int, txs []model.Transaction) bool {
	if len(txs) == 0 {
		if documents == 0 {
			return true
		}
		return p.send(unit{documents: documents})
	}
	for i := range txs {
		u := unit{tx: &txs[i]}
		if i == 0 {
			u.documents = documents
		}
		if !p.send(u) {
			return false
		}
	}
	return true
}

func (p *producer) runAsync(docs model.Documents) {
	var read atomic.Int64
	counted := func() iter.Seq2[model.Document, error] {
		return func(yield func(model.Document, error) bool) {
			for doc, err := range docs() {
				if err == nil {
					read.Add(1)
				}
				if !yield(doc, err) {
					return
				}
			}
		}
	}
	var reported int64
	delta := func() int {
		n := read.Load()
		d := n - reported
		reported = n
		return int(d)
	}

	col := NewCollator()
	for item, err := range Stream(p.ctx, p.job.Migration.Async, counted, p.job.Context) {
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			p.send(unit{documents: delta(), err: err})
			return
		}
		txs, err := col.Group([]Item{item})
		if err != nil {
			p.send(unit{documents: delta(), err: &TransformError{Cause: err}})
			return
		}
		if !p.sendTransactions(delta(), txs) {
			return
		}
	}
	if p.ctx.Err() == nil {
		p.sendTransactions(delta(), nil)
	}
}
