package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go-data-migrate/internal/api"
	"go-data-migrate/internal/api/handler"
	"go-data-migrate/internal/client"
	"go-data-migrate/internal/metrics"
	"go-data-migrate/internal/migrations"
	"go-data-migrate/internal/model"
	"go-data-migrate/internal/pipeline"
	"go-data-migrate/internal/source"
	"go-data-migrate/internal/store"
	"go-data-migrate/pkg/router"
	"go-data-migrate/pkg/utils"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var runFlags struct {
	dry           bool
	fromExport    string
	concurrency   int
	noProgress    bool
	noConfirm     bool
	dataset       string
	projectID     string
	journal       string
	output        string
	statusAddr    string
	migrationsDir string
}

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a migration (dry by default)",
	Long: `Run the migration called NAME. NAME is looked up among the built-in
migrations and the declarative files in the migrations directory
(NAME.yaml, NAME.yml, NAME/index.yaml or NAME/index.yml).

Runs are dry unless --dry=false is given. Dry runs write the transactions
they would commit to the output directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigration,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.dry, "dry", true, "only show what would be committed")
	f.StringVar(&runFlags.fromExport, "from-export", "", "read documents from an export archive (local path or s3://bucket/key) instead of the dataset")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, fmt.Sprintf("transactions in flight (1-%d, default %d)", model.MaxConcurrency, model.DefaultConcurrency))
	f.BoolVar(&runFlags.noProgress, "no-progress", false, "do not render progress")
	f.BoolVar(&runFlags.noConfirm, "no-confirm", false, "skip the confirmation prompt before a live run")
	f.StringVar(&runFlags.dataset, "dataset", "", "dataset to migrate (requires --project-id)")
	f.StringVar(&runFlags.projectID, "project-id", "", "project holding the dataset (requires --dataset)")
	f.StringVar(&runFlags.journal, "journal", "", "sqlite file recording run history")
	f.StringVar(&runFlags.output, "output", "", "directory for dry-run output")
	f.StringVar(&runFlags.statusAddr, "status-addr", "", "serve progress and metrics on this address, e.g. localhost:9464")
	f.StringVar(&runFlags.migrationsDir, "migrations-dir", "", "directory holding declarative migrations")
}

func runMigration(cmd *cobra.Command, args []string) error {
	if err := applyRunFlags(cmd); err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.Errorf("migration name is required, available migrations:\n%s", availableMigrations(cfg.MigrationsDir))
	}
	if runFlags.fromExport != "" && !runFlags.dry {
		return errors.New("--from-export can only be used with a dry run")
	}

	resolved, err := migrations.Resolve(migrations.Default, cfg.MigrationsDir, args[0])
	if err != nil {
		return err
	}
	m := resolved.Migration
	logger.Debug("migration resolved", "name", m.Name, "origin", resolved.Origin)

	if runFlags.fromExport == "" {
		if err := cfg.RequireAPI(); err != nil {
			return err
		}
	}
	interactive := isTerminal(os.Stdout) && isTerminal(os.Stdin)
	if !runFlags.dry {
		if err := confirmRun(m, interactive); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.RunOptions()
	opts.DryRun = runFlags.dry
	opts.Logger = logger

	runID := uuid.New().String()
	var sinks []model.ProgressFunc

	var journal handler.RunJournal
	if cfg.Journal != "" {
		j, err := store.OpenJournal(cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		run, err := j.StartRun(ctx, store.RunInfo{
			Migration: m.Name,
			ProjectID: cfg.API.ProjectID,
			Dataset:   cfg.API.Dataset,
			Source:    sourceName(),
			DryRun:    opts.DryRun,
		})
		if err != nil {
			return err
		}
		runID = run.ID
		journal = j
		sinks = append(sinks, run.Observe)
	}

	if opts.DryRun {
		f, path, err := utils.NewOutputManager(cfg.OutputDir).CreateTransactionsFile(runID)
		if err != nil {
			return err
		}
		defer func() {
			f.Close()
			if size, err := utils.NewOutputManager(cfg.OutputDir).GetFileSize(path); err == nil {
				fmt.Fprintf(os.Stderr, "  dry-run transactions written to %s (%s)\n", path, humanize.Bytes(uint64(size)))
			}
		}()
		opts.DryRunOutput = f
	}

	collector := metrics.NewCollector(m.Name)
	status := handler.NewProgressHandler(m.Name, journal)
	sinks = append(sinks, collector.Observe, status.Observe)

	if cfg.StatusAddr != "" {
		serveCtx, stopServer := context.WithCancel(context.Background())
		defer stopServer()
		r := router.New(logger)
		api.RegisterRoutes(r, status, collector.Handler())
		go func() {
			if err := r.Serve(serveCtx, cfg.StatusAddr); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	if !runFlags.noProgress {
		fmt.Fprintln(os.Stderr, titleStyle.Render(runTitle(m, opts.DryRun)))
		sinks = append(sinks, newProgressRenderer(os.Stderr, isTerminal(os.Stderr), opts.DryRun).Observe)
	}
	opts.OnProgress = pipeline.Tee(sinks...)

	start := time.Now()
	var progress model.MigrationProgress
	switch {
	case runFlags.fromExport != "":
		progress, err = pipeline.RunFromArchiveConfig(ctx, m, source.ArchiveConfig{
			Path:      runFlags.fromExport,
			BatchSize: cfg.BatchSize,
			S3:        cfg.S3,
		}, opts)
	case opts.DryRun:
		progress, err = pipeline.DryRun(ctx, clientConfig(), m, opts)
	default:
		progress, err = pipeline.Run(ctx, clientConfig(), m, opts)
	}

	printSummary(os.Stderr, m.Name, progress, err, opts.DryRun, time.Since(start))
	return err
}

// applyRunFlags layers explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	if f.Changed("dataset") != f.Changed("project-id") {
		return errors.New("--dataset and --project-id must be given together")
	}
	if f.Changed("dataset") {
		cfg.API.Dataset = runFlags.dataset
		cfg.API.ProjectID = runFlags.projectID
	}
	if f.Changed("concurrency") {
		if runFlags.concurrency < 1 || runFlags.concurrency > model.MaxConcurrency {
			return errors.Errorf("--concurrency must be between 1 and %d", model.MaxConcurrency)
		}
		cfg.Concurrency = runFlags.concurrency
	}
	if f.Changed("journal") {
		cfg.Journal = runFlags.journal
	}
	if f.Changed("output") {
		cfg.OutputDir = runFlags.output
	}
	if f.Changed("status-addr") {
		cfg.StatusAddr = runFlags.statusAddr
	}
	if f.Changed("migrations-dir") {
		cfg.MigrationsDir = runFlags.migrationsDir
	}
	return cfg.Validate()
}

func clientConfig() client.Config {
	return client.Config{APIConfig: cfg.API, Logger: logger}
}

func sourceName() string {
	if runFlags.fromExport != "" {
		return runFlags.fromExport
	}
	return "live"
}

func runTitle(m model.Migration, dryRun bool) string {
	name := m.Name
	if m.Title != "" {
		name = fmt.Sprintf("%s (%s)", m.Title, m.Name)
	}
	switch {
	case runFlags.fromExport != "":
		return fmt.Sprintf("Dry run of %s against %s", name, runFlags.fromExport)
	case dryRun:
		return fmt.Sprintf("Dry run of %s against %s/%s", name, cfg.API.ProjectID, cfg.API.Dataset)
	default:
		return fmt.Sprintf("Running %s against %s/%s", name, cfg.API.ProjectID, cfg.API.Dataset)
	}
}

// confirmRun asks before touching a live dataset.
func confirmRun(m model.Migration, interactive bool) error {
	if runFlags.noConfirm {
		return nil
	}
	if !interactive {
		return errors.New("refusing to run against a live dataset without a terminal; pass --no-confirm")
	}
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Run %q against %s/%s?", m.Name, cfg.API.ProjectID, cfg.API.Dataset)).
			Description("This will commit changes to the dataset.").
			Affirmative("Run").
			Negative("Cancel").
			Value(&ok),
	)).Run()
	if err != nil {
		return errors.Wrap(err, "confirmation prompt")
	}
	if !ok {
		return errors.New("migration cancelled")
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func availableMigrations(dir string) string {
	var names []string
	for _, m := range migrations.Default.List() {
		names = append(names, m.Name)
	}
	files, _ := migrations.Discover(dir)
	for name := range files {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "  (none)"
	}
	sort.Strings(names)
	return "  " + strings.Join(names, "\n  ")
}
