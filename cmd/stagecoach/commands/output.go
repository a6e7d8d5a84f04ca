package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// timeRounding trims durations in human-readable output.
const timeRounding = time.Millisecond

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
