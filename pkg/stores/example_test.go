package stores_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use an in-memory database for the example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveRun demonstrates persisting a run result and
// reading it back for the audit trail.
func ExampleSQLiteStore_SaveRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	result := &engine.RunResult{
		RunID:    "run-001",
		Workflow: "assessment",
		Phase:    0,
		Status:   engine.RunStatusSucceeded,
		Steps: map[string]*engine.StepResult{
			"assess": {
				StepID:   "assess",
				Status:   engine.StepStatusSucceeded,
				Output:   json.RawMessage(`{"profile":{"tier":"standard"}}`),
				Attempts: 1,
			},
		},
		StartedAt:   time.Now().Add(-2 * time.Second),
		CompletedAt: time.Now(),
	}
	if err := store.SaveRun(ctx, result); err != nil {
		log.Fatal(err)
	}

	loaded, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("workflow: %s\n", loaded.Workflow)
	fmt.Printf("status: %s\n", loaded.Status)
	fmt.Printf("steps: %d\n", len(loaded.Steps))
	// Output:
	// workflow: assessment
	// status: succeeded
	// steps: 1
}
