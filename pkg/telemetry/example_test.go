package telemetry_test

import (
	"context"
	"fmt"

	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "stagecoach"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(&cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use the contextual logger
	logger := telemetry.FromContext(ctx)
	logger.Info("Orchestrator started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates the run-scoped logging fields used
// throughout the engine and bus.
func Example_structuredLogging() {
	logger, _ := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
	})

	scoped := logger.NewComponentLogger("engine").
		WithRunID("run-123").
		WithStep("assess").
		WithUnit("assessor").
		WithPhase(0)

	scoped.Debug("dispatching step")
	scoped.Info("step succeeded")

	err := fmt.Errorf("attempt timeout")
	scoped.WithError(err).Warn("retrying unit")

	// Output varies, no output specified
}

// Example_eventStream demonstrates subscribing to the in-process event
// stream that the engine, bus, and phase machine publish on.
func Example_eventStream() {
	events := telemetry.NewPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	defer events.Close()

	ch, cancel := events.Subscribe()
	defer cancel()

	events.Publish(telemetry.Event{
		Type:    telemetry.EventStepSucceeded,
		Source:  "engine",
		RunID:   "run-123",
		StepID:  "assess",
		Message: "step assess succeeded",
	})

	evt := <-ch
	fmt.Printf("%s from %s: %s\n", evt.Type, evt.Source, evt.Message)

	// Output:
	// step.succeeded from engine: step assess succeeded
}
