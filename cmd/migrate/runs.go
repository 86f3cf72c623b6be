package main

import (
	"fmt"

	"go-data-migrate/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var runsFlags struct {
	journal string
	limit   int
}

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "Show run history from the journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Journal
		if cmd.Flags().Changed("journal") {
			path = runsFlags.journal
		}
		if path == "" {
			return errors.New("no journal configured (set journal in the config file, MIGRATE_JOURNAL or --journal)")
		}
		j, err := store.OpenJournal(path, logger)
		if err != nil {
			return err
		}
		defer j.Close()

		if len(args) == 1 {
			return printTransactions(cmd, j, args[0])
		}

		runs, err := j.ListRuns(cmd.Context(), runsFlags.limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println(labelStyle.Render("No runs recorded"))
			return nil
		}
		for _, r := range runs {
			mode := "live"
			if r.DryRun {
				mode = "dry"
			}
			fmt.Printf("%s  %-20s %-9s %-4s %8s docs %8s mutations  %s\n",
				r.ID, r.Migration, stateStyle(r.Status).Render(r.Status), mode,
				humanize.Comma(int64(r.Documents)), humanize.Comma(int64(r.Mutations)),
				labelStyle.Render(humanize.Time(r.CreatedAt)))
			if r.Error != "" {
				fmt.Printf("  %s\n", errorStyle.Render(r.Error))
			}
		}
		return nil
	},
}

func printTransactions(cmd *cobra.Command, j *store.Journal, runID string) error {
	txs, err := j.GetTransactions(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Println(labelStyle.Render("No transactions recorded for " + runID))
		return nil
	}
	for _, t := range txs {
		outcome := successStyle.Render("ok")
		if t.Error != "" {
			outcome = errorStyle.Render(t.Error)
		}
		fmt.Printf("#%-5d %s  %s  %s  %s\n", t.Sequence, t.TransactionID,
			english.Plural(len(t.DocumentIDs), "document", "documents"),
			english.Plural(t.Attempts, "attempt", "attempts"), outcome)
	}
	return nil
}

func init() {
	runsCmd.Flags().StringVar(&runsFlags.journal, "journal", "", "sqlite file recording run history")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "number of runs to show")
}
