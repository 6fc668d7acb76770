// Package log is a thin facade over the default hclog logger.
// Helpers taking a context attach the execution key found in it.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/internal/profile"
)

const appName = "zencore"

// Init configures the default logger. Level is taken from LOG_LEVEL (default INFO),
// PROD profile switches the output to JSON.
func Init() {
	level := hclog.LevelFromString(os.Getenv("LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	hclog.SetDefault(hclog.New(&hclog.LoggerOptions{
		Name:       appName,
		Level:      level,
		JSONFormat: profile.Current == profile.PROD,
		Output:     os.Stderr,
	}))
}

// Named returns a sub-logger of the default logger.
func Named(name string) hclog.Logger {
	return hclog.Default().Named(name)
}

func ctxArgs(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		return []interface{}{"executionKey", key}
	}
	return nil
}

func Debugf(ctx context.Context, format string, args ...interface{}) {
	hclog.Default().Debug(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	hclog.Default().Info(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Warnf(ctx context.Context, format string, args ...interface{}) {
	hclog.Default().Warn(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	hclog.Default().Error(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Info(format string, args ...interface{}) {
	hclog.Default().Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	hclog.Default().Error(fmt.Sprintf(format, args...))
}
