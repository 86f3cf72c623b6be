package main

import (
	"fmt"
	"os"
	"sort"

	"go-data-migrate/internal/migrations"

	"github.com/spf13/cobra"
)

var listMigrationsDir string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.MigrationsDir
		if cmd.Flags().Changed("migrations-dir") {
			dir = listMigrationsDir
		}

		fmt.Println(titleStyle.Render("Built-in migrations"))
		for _, m := range migrations.Default.List() {
			fmt.Printf("  %-22s %s\n", m.Name, labelStyle.Render(m.Title))
		}

		files, failed := migrations.Discover(dir)
		fmt.Println()
		fmt.Println(titleStyle.Render("Migrations in " + dir))
		if len(files) == 0 && len(failed) == 0 {
			fmt.Println(labelStyle.Render("  (none)"))
		}
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-22s %s\n", name, labelStyle.Render(files[name]))
		}

		paths := make([]string, 0, len(failed))
		for p := range failed {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(os.Stderr, "  %s %s: %v\n", warnStyle.Render("!"), p, failed[p])
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listMigrationsDir, "migrations-dir", "", "directory holding declarative migrations")
}
