// Package logging builds the process logger for pupquery.
//
// Output is zap's console encoding on stderr, one line per entry:
//
//	WARN pupquery.puppetdb[4242]: direct connection failed, trying ssh tunnel  {"addr": "db:8080"}
//
// Levels are colored when stderr is a terminal and NO_COLOR is unset.
package logging

import (
	"io"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// RootName is the name of the top-level logger.
const RootName = "pupquery"

var (
	setupOnce sync.Once
	root      *zap.Logger
)

// Level maps the CLI verbosity flags to a zap level. Debug wins over verbose.
func Level(verbose, debug bool) zapcore.Level {
	switch {
	case debug:
		return zapcore.DebugLevel
	case verbose:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

// Setup builds the process logger on stderr. Only the first call has any
// effect; later calls return the same logger.
func Setup(level zapcore.Level) *zap.Logger {
	setupOnce.Do(func() {
		root = New(os.Stderr, level, colorSupported(os.Stderr))
	})
	return root
}

// New builds a console logger writing to w.
func New(w io.Writer, level zapcore.Level, color bool) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		EncodeLevel:      levelEncoder(color),
		EncodeName:       processNameEncoder(os.Getpid()),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Named(RootName)
}

// Subsystem returns a child logger for a noisy dependency. Only fatal
// entries get through.
func Subsystem(logger *zap.Logger, name string) *zap.Logger {
	return logger.Named(name).WithOptions(zap.IncreaseLevel(zapcore.FatalLevel))
}

// levelEncoder picks the colored encoder when the output supports it and
// falls back to plain capitals otherwise.
func levelEncoder(color bool) zapcore.LevelEncoder {
	if color {
		return zapcore.CapitalColorLevelEncoder
	}
	return zapcore.CapitalLevelEncoder
}

func processNameEncoder(pid int) zapcore.NameEncoder {
	suffix := "[" + strconv.Itoa(pid) + "]:"
	return func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + suffix)
	}
}

func colorSupported(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
