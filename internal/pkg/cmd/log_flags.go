package cmd

import (
	"os"

	"github.com/mattn/go-isatty" // Detect interactive terminals.
	"go.uber.org/zap"            // Logging.
	"go.uber.org/zap/zapcore"
)

// LogFlags represents a set of flags for logging.
type LogFlags struct {
	// Minimum level to log at.
	Level zapcore.Level
}

// NewLogFlags returns a new LogFlags.
func NewLogFlags(app Flagger) *LogFlags {
	var f LogFlags

	app.Flag("log.level", "Log level: debug, info, warn or error.").
		Envar("LOG_LEVEL").
		Default("info").
		SetValue(&levelValue{&f.Level})

	return &f
}

// Logger returns a logger configured by these flags. Output is
// human readable on a terminal and JSON otherwise.
func (f *LogFlags) Logger() (*zap.Logger, error) {
	var cfg zap.Config
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(f.Level)
	return cfg.Build()
}

// SetupLogging builds the logger and makes it the global zap logger.
// The returned func flushes and restores the previous global logger.
func SetupLogging(f *LogFlags) (*zap.Logger, func()) {
	logger, err := f.Logger()
	if err != nil {
		panic(err)
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		_ = logger.Sync()
		undo()
	}
}

// levelValue adapts a zapcore.Level to kingpin.Value.
type levelValue struct {
	l *zapcore.Level
}

func (v *levelValue) Set(s string) error { return v.l.Set(s) }
func (v *levelValue) String() string { return v.l.String() }
