package telemetry

import (
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the logger used by newly created telemetry bundles.
// It falls back to slog.Default when SetLogger has never been called.
func Logger() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// SetLogger sets the logger used by newly created telemetry bundles.
func SetLogger(l *slog.Logger) {
	defaultLogger.Store(l)
}

// LogConfig holds the configuration of the process logger.
type LogConfig struct {
	// Level is the minimum level of the console handler.
	//
	// Default: slog.LevelInfo
	Level slog.Leveler

	// Output is the file the console handler writes to.
	//
	// Default: os.Stderr
	Output *os.File

	// ExportOTel forwards every record to the OpenTelemetry log bridge
	// in addition to the console.
	ExportOTel bool
}

// NewConsoleHandler returns a tint handler writing to f.
// Colors are enabled only when f is a terminal.
func NewConsoleHandler(f *os.File, level slog.Leveler) slog.Handler {
	fd := f.Fd()
	noColor := !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)

	return tint.NewHandler(colorable.NewColorable(f), &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
		NoColor:    noColor,
	})
}

// SetupLogger builds the process logger, installs it as both the
// telemetry and the slog default logger and returns it.
func SetupLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := cfg.Level
	if level == nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler = NewConsoleHandler(out, level)
	if cfg.ExportOTel {
		handler = slogmulti.Fanout(handler, otelslog.NewHandler(instrumentationName))
	}

	logger := slog.New(handler)

	SetLogger(logger)
	slog.SetDefault(logger)

	return logger
}
