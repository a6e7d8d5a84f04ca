package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect persisted dead letters",
		Long: `Work with the dead-letter queue persisted in the run database.

A message that exhausts its delivery attempts, or is held by a rejected
approval gate, is parked with its full envelope, failure history, and a
replay token. Parked entries are persisted when the process shuts down
so they can be inspected and pruned later.`,
	}

	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQDeleteCommand())
	cmd.AddCommand(newDLQPurgeCommand())

	return cmd
}

func newDLQListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		Example: `  # List parked entries, oldest first
  stagecoach dlq list --db runs.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListDeadLetters(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entries)
			}

			if len(entries) == 0 {
				fmt.Println("Dead-letter queue is empty")
				return nil
			}
			for _, entry := range entries {
				fmt.Printf("%-36s unit=%-12s priority=%-8s attempts=%d  %s\n",
					entry.ReplayToken, entry.Envelope.Destination, entry.Envelope.Priority,
					entry.Envelope.Attempt,
					entry.DeadLetteredAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("  reason: %s\n", entry.Reason)
			}
			return nil
		},
	}
	return cmd
}

func newDLQDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <replay-token>",
		Short: "Delete a dead-lettered message",
		Example: `  # Drop a parked entry by token
  stagecoach dlq delete 4f7c9a1e --db runs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteDeadLetter(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted dead letter %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newDLQPurgeCommand() *cobra.Command {
	var age time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge dead letters older than an age",
		Example: `  # Drop entries parked more than a day ago
  stagecoach dlq purge --age 24h --db runs.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			purged, err := store.PurgeDeadLetters(ctx, age)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d dead letter(s)\n", purged)
			return nil
		},
	}

	cmd.Flags().DurationVar(&age, "age", 7*24*time.Hour, "minimum age of entries to purge")

	return cmd
}
