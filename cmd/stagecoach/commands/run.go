package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		inputJSON string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a single workflow",
		Long: `Execute one workflow definition to completion.

The workflow is resolved from the configured definitions (--config) or,
when not configured, from the builtin demo pipeline. Steps run in
dependency order over the message bus; the aggregated result is printed
when the run reaches a terminal status.`,
		Example: `  # Run the demo assessment workflow
  stagecoach run assessment --input '{"requirements":["api gateway","database"]}'

  # Run a configured workflow with input from a file
  stagecoach run deploy -c ./configs --input-file input.json

  # Persist the audit trail
  stagecoach run assessment --input '{"requirements":["api"]}' --db runs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			input, err := readInput(inputJSON, inputFile)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			def, err := rt.workflow(name)
			if err != nil {
				return err
			}

			log.Info().
				Str("workflow", name).
				Int("phase", def.Phase).
				Int("steps", len(def.Steps)).
				Msg("Running workflow")

			result, err := rt.engine.Run(ctx, def, input)
			if err != nil {
				return err
			}

			if err := printRunResult(result); err != nil {
				return err
			}
			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s finished %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputJSON, "input", "i", "", "workflow input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file containing the workflow input JSON")

	return cmd
}

// readInput materializes the workflow input from the flag pair. Both empty
// means an empty object.
func readInput(inputJSON, inputFile string) (json.RawMessage, error) {
	if inputJSON != "" && inputFile != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	raw := []byte(inputJSON)
	if inputFile != "" {
		content, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = content
	}
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return json.RawMessage(raw), nil
}

func printRunResult(result *engine.RunResult) error {
	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("Run %s (%s) finished: %s in %s\n",
		result.RunID, result.Workflow, result.Status,
		result.CompletedAt.Sub(result.StartedAt).Round(timeRounding))

	ids := make([]string, 0, len(result.Steps))
	for id := range result.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sr := result.Steps[id]
		line := fmt.Sprintf("  %-20s %s", id, sr.Status)
		if sr.Error != nil {
			line += fmt.Sprintf("  (%s)", sr.Error.Message)
		}
		fmt.Println(line)
	}
	return nil
}
