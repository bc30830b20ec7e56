package logger

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"fieldscan/internal/config"
)

// Logger provides leveled logging (debug/info/warning/error) to stdout and to
// per-level rotated files in the log directory.
type Logger struct {
	sugar  *zap.SugaredLogger
	logDir string
	files  []*lumberjack.Logger
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDirectory, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	l := &Logger{logDir: cfg.LogDirectory}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
		l.fileCore("info.log", fileCfg, atLeast(level, zap.InfoLevel)),
		l.fileCore("warning.log", fileCfg, atLeast(level, zap.WarnLevel)),
		l.fileCore("error.log", fileCfg, atLeast(level, zap.ErrorLevel)),
	}

	l.sugar = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return l, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger. It writes no log files.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

func atLeast(level zap.AtomicLevel, floor zapcore.Level) zap.LevelEnablerFunc {
	return func(lvl zapcore.Level) bool {
		return lvl >= floor && level.Enabled(lvl)
	}
}

// fileCore opens a rotated log file for appending.
func (l *Logger) fileCore(name string, encCfg zapcore.EncoderConfig, enabler zapcore.LevelEnabler) zapcore.Core {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(l.logDir, name),
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
	}
	l.files = append(l.files, file)
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), enabler)
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{sugar: l.sugar.Named(component), logDir: l.logDir, files: l.files}
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Rotate starts a fresh log file for name ("info.log", "warning.log" or
// "error.log"); the previous content is kept as a compressed backup.
func (l *Logger) Rotate(name string) error {
	for _, f := range l.files {
		if filepath.Base(f.Filename) == name {
			return f.Rotate()
		}
	}
	return errors.Errorf("no log file named %s", name)
}

// Close flushes buffered entries and closes the log files. Call it on the
// root logger only.
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	var err error
	for _, f := range l.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
