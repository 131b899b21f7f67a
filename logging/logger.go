// Package logging builds the process logger: a zap core teed to the console
// and a rotating JSON log file, plus field helpers for restoration runs.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger. Zero values pick defaults.
type Options struct {
	// Development switches the console to colored human-readable output
	// and lowers the default level to debug.
	Development bool

	// FilePath is the rotating JSON log file. Empty disables file output.
	FilePath string

	// Level overrides the mode default when non-empty ("debug", "warn", ...).
	Level string

	// File rotation settings
	File FileWriterConfig

	// Console defaults to stderr so progress output on stdout stays clean.
	Console zapcore.WriteSyncer
}

// Logger wraps a zap.Logger together with the settings it was built from.
//
//	logger, err := logging.NewLogger(logging.Options{FilePath: "photorestore.log"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//	logger.Info("restore started", logging.RunID(id))
type Logger struct {
	zap           *zap.Logger
	level         zap.AtomicLevel
	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a Logger for the given options.
func NewLogger(opts Options) (*Logger, error) {
	defaultLevel := InfoLevel
	if opts.Development {
		defaultLevel = DebugLevel
	}
	level := zap.NewAtomicLevelAt(ParseLogLevelString(opts.Level, defaultLevel))

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}

	var file zapcore.WriteSyncer
	if opts.FilePath != "" {
		w, err := NewFileWriterWithConfig(opts.FilePath, opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = w
	}

	core := NewMultiCore(level, console, file, opts.Development)
	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &Logger{
		zap:           zapLogger,
		level:         level,
		isDevelopment: opts.Development,
		logFilePath:   opts.FilePath,
	}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(InfoLevel)}
}

// Sync flushes buffered entries. Call before exit.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Zap returns the underlying zap.Logger. Library packages take a
// *zap.Logger directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Named returns the zap logger for one component, e.g. "sampler".
func (l *Logger) Named(component string) *zap.Logger {
	return l.zap.Named(component)
}

// Debug logs at DebugLevel.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

// Info logs at InfoLevel.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }

// Warn logs at WarnLevel.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }

// Error logs at ErrorLevel.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		zap:           l.zap.With(fields...),
		level:         l.level,
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// SetLevel changes the level of this logger and all of its children.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	return l.level.Level()
}

// IsDevelopment returns true if the logger is configured for development mode.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the path to the log file.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}
