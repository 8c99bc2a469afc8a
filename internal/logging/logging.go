// Package logging configures the process-wide slog logger, adapted from the
// teacher's libs/go/core/logging: JSON or text handler chosen by an
// environment variable, installed as slog.Default(), and also returned for
// explicit wiring. Beyond that base, it carries the structured-attribute
// helpers every Tasker package logs through so "which task/step/attempt" is
// never spelled out ad hoc at each call site with a different key order or a
// forgotten field.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger for service. JSON if
// TASKER_JSON_LOG=1/true/json, text otherwise.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("TASKER_JSON_LOG"))
	json := mode == "1" || mode == "true" || mode == "json"

	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKER_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TaskAttrs returns the standard task_id attribute group for a task-scoped
// log line.
func TaskAttrs(taskID string) slog.Attr {
	return slog.String("task_id", taskID)
}

// StepAttrs returns the standard task_id+workflow_step_id attribute group
// for a step-scoped log line. workflowStepID is the row's own id (distinct
// from the named step the row was instantiated from), matching the
// workflow_step_id column name used across model and the event payloads.
func StepAttrs(taskID, workflowStepID string) []any {
	return []any{"task_id", taskID, "workflow_step_id", workflowStepID}
}

// AttemptAttrs extends StepAttrs with the current attempt number, for the
// retry/failure log lines in coordinator and handler where the attempt
// count is the detail an operator reaches for first when a step is flapping.
func AttemptAttrs(taskID, workflowStepID string, attempt int) []any {
	return append(StepAttrs(taskID, workflowStepID), "attempt", attempt)
}
