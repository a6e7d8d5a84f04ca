package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func newReplayCommand() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "replay <replay-token>",
		Short: "Replay a dead-lettered step invocation",
		Long: `Re-execute the unit invocation parked behind a replay token.

The persisted envelope's step payload is dispatched to the unit it was
originally addressed to, through the full invocation contract: input
validation, attempt timeout, retry with backoff, output validation. On
success the dead letter is removed and the new invocation record is
appended to the run's audit trail.`,
		Example: `  # Replay a parked invocation
  stagecoach replay 4f7c9a1e --db runs.db

  # Replay but keep the entry parked
  stagecoach replay 4f7c9a1e --db runs.db --keep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			token := args[0]

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if rt.store == nil {
				return fmt.Errorf("no database path provided; use --db")
			}

			entries, err := rt.store.ListDeadLetters(ctx)
			if err != nil {
				return err
			}
			var entry *engine.DeadLetterEntry
			for _, e := range entries {
				if e.ReplayToken == token {
					entry = e
					break
				}
			}
			if entry == nil {
				return engine.NewNotFoundError(fmt.Sprintf("dead letter not found: %s", token))
			}

			var payload engine.StepPayload
			if err := json.Unmarshal(entry.Envelope.Payload, &payload); err != nil {
				return engine.NewValidationError("dead letter payload is not a step payload", err)
			}

			log.Info().
				Str("token", token).
				Str("unit", entry.Envelope.Destination).
				Str("run_id", payload.RunID).
				Str("step_id", payload.StepID).
				Msg("Replaying dead-lettered invocation")

			output, record, execErr := rt.executor.ExecuteUnit(ctx, entry.Envelope.Destination, payload)
			if record != nil {
				if err := rt.store.SaveRecord(ctx, record); err != nil {
					log.Warn().Err(err).Msg("Failed to persist replay record")
				}
			}
			if execErr != nil {
				return fmt.Errorf("replay of %s failed: %w", token, execErr)
			}

			if !keep {
				if err := rt.store.DeleteDeadLetter(ctx, token); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"replay_token": token,
					"unit":         entry.Envelope.Destination,
					"output":       json.RawMessage(output),
				})
			}
			fmt.Printf("Replay of %s succeeded (unit %s)\n", token, entry.Envelope.Destination)
			fmt.Println(string(output))
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep the dead letter parked after a successful replay")

	return cmd
}
