package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		limit      int
		offset     int
		showEvents bool
		showGates  bool
	)

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Inspect persisted run history",
		Long: `List persisted workflow runs, newest first, or show one run in detail:
its terminal result, the per-step invocation records with attempt
history, and optionally the observability events it emitted.

Requires the sqlite database the runs were recorded into (--db).`,
		Example: `  # List recent runs
  stagecoach status --db runs.db

  # Show one run with its invocation records
  stagecoach status 4f7c9a1e --db runs.db

  # Include the run's event stream
  stagecoach status 4f7c9a1e --db runs.db --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if showGates {
				return listGates(ctx, store)
			}
			if len(args) == 0 {
				return listRuns(ctx, store, limit, offset)
			}
			return showRun(ctx, store, args[0], showEvents)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the run's event stream")
	cmd.Flags().BoolVar(&showGates, "gates", false, "list persisted approval gates instead of runs")

	return cmd
}

func listGates(ctx context.Context, store *stores.SQLiteStore) error {
	gates, err := store.ListGates(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(gates)
	}

	if len(gates) == 0 {
		fmt.Println("No gates recorded")
		return nil
	}
	for _, gate := range gates {
		line := fmt.Sprintf("%-24s phase %d  %-10s", gate.Name, gate.Phase, gate.Status)
		if gate.ResolvedBy != "" {
			line += fmt.Sprintf("  by %s", gate.ResolvedBy)
		}
		fmt.Println(line)
	}
	return nil
}

// openStore opens the sqlite store named by --db.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("no database path provided; use --db")
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func listRuns(ctx context.Context, store *stores.SQLiteStore, limit, offset int) error {
	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%-36s %-20s phase %d  %-10s %s\n",
			run.RunID, run.Workflow, run.Phase, run.Status,
			run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showRun(ctx context.Context, store *stores.SQLiteStore, runID string, showEvents bool) error {
	result, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	records, err := store.ListRecords(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]interface{}{
			"run":     result,
			"records": records,
		}
		if showEvents {
			events, err := store.ListEvents(ctx, &runID, nil, 1000, 0)
			if err != nil {
				return err
			}
			out["events"] = events
		}
		return printJSON(out)
	}

	if err := printRunResult(result); err != nil {
		return err
	}

	if len(records) > 0 {
		fmt.Println("Invocations:")
		for _, rec := range records {
			line := fmt.Sprintf("  %-20s %-12s %-10s attempts=%d", rec.StepID, rec.Unit, rec.Status, rec.Attempts)
			if rec.Error != nil {
				line += fmt.Sprintf("  (%s)", rec.Error.Message)
			}
			fmt.Println(line)
		}
	}

	if showEvents {
		events, err := store.ListEvents(ctx, &runID, nil, 1000, 0)
		if err != nil {
			return err
		}
		fmt.Println("Events:")
		for _, evt := range events {
			fmt.Printf("  %s %-8s %-24s %s\n",
				evt.Timestamp.Format("15:04:05.000"), evt.Level, evt.Type, evt.Message)
		}
	}
	return nil
}
