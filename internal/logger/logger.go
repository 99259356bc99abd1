// Package logger holds the process-wide structured logger.
package logger

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for consistent structured logging.
const (
	FieldJobID      = "job_id"
	FieldPipelineID = "pipeline_id"
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldStage      = "stage"
	FieldStageIndex = "stage_index"
	FieldState      = "state"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldErrorCode  = "error_code"
	FieldCount      = "count"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldAddress    = "address"
)

// Logger is the global logger. It is a no-op until Initialize is called so
// packages can log safely from tests and init paths.
var Logger *zap.SugaredLogger

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects the production
// JSON encoder; otherwise a console encoder is used.
func Initialize(jsonOutput bool, level string) error {
	lvl := parseLevel(level)

	var zapLogger *zap.Logger
	var err error
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		config.OutputPaths = []string{"stdout"}
		zapLogger, err = config.Build()
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), lvl),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// ComponentLogger returns a named logger for a specific component.
//
//	type Manager struct {
//	    logger *zap.SugaredLogger
//	}
//
//	m := &Manager{logger: logger.ComponentLogger("jobs")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes buffered log entries. Errors from syncing stdout are ignored.
func Sync() {
	_ = Logger.Sync()
}

type contextKey string

const jobIDKey contextKey = "logger_job_id"

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		return base.With(FieldJobID, jobID)
	}
	return base
}
