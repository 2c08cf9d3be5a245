package util

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

var slogMeasureID = &atomic.Int64{}

// SLogMeasureFunction logs an enter record for functionName and returns a function that logs the matching exit record
// along with the elapsed time. Exit records carry any additional args passed to the returned function.
func SLogMeasureFunction(ctx context.Context, logger *slog.Logger, functionName string, args ...any) func(args ...any) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		then          = time.Now()
		measurementID = slogMeasureID.Add(1)
		allArgs       = append(args, slog.String("fn", functionName), slog.Int64("measurement_id", measurementID))
	)

	logger.DebugContext(ctx, "SLogMeasureFunction", append(allArgs, slog.String("state", "enter"))...)

	return func(args ...any) {
		exitArgs := append(allArgs, slog.Duration("elapsed", time.Since(then)), slog.String("state", "exit"))
		exitArgs = append(exitArgs, args...)

		logger.InfoContext(ctx, "SLogMeasureFunction", exitArgs...)
	}
}

func SLogError(ctx context.Context, logger *slog.Logger, msg string, err error, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}

	allArgs := append([]any{slog.String("err", err.Error())}, args...)
	logger.ErrorContext(ctx, msg, allArgs...)
}
