// Package telemetry provides observability instrumentation for Stagecoach.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified
// system for monitoring and debugging workflow runs.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stagecoach"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Component loggers carry run, step, unit, and phase fields:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithRunID(runID).WithStep(stepID).Info("step dispatched")
//
// Events fan out over channels. Every engine, bus, and unit transition
// emits exactly one event; subscribers drain a buffered channel:
//
//	ch, cancel := tel.Events.Subscribe()
//	defer cancel()
//	for evt := range ch {
//	    fmt.Printf("%s %s\n", evt.Type, evt.Message)
//	}
//
// A nil *Publisher is valid and discards everything, so components hold
// the publisher without guarding each emit.
package telemetry
