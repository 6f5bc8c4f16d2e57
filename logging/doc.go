// Package logging provides a minimal logging interface and adapters for the bridge.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the orchestrator, run driver and tool dispatcher use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - BridgeLogger with component/conversation context and domain helpers
//   - ColorHandler for human friendly console output
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	orch := orchestrator.New(store, driver, orchestrator.WithLogger(logger))
package logging
