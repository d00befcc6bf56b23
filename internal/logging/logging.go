// Package logging builds the process logger: a logr.Logger backed by zap.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	levelFlagName      = "log-level"
	levelFlagShortName = "v"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a console logger writing to stderr.
func New(name string) *Logger {
	return NewWithOutput(name, zapcore.Lock(os.Stderr))
}

// NewWithOutput creates a console logger writing to out.
func NewWithOutput(name string, out zapcore.WriteSyncer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevel()
	zapLogger := zap.New(zapcore.NewCore(encoder, out, atomicLevel))

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// ParseLevel accepts "debug", "info", "error" or a positive logr verbosity.
func ParseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
	return zapcore.Level(int8(-verbosity)), nil // zap levels run opposite to logr verbosity
}

// AddLevelFlag registers --log-level on fs.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	fs.VarP(&levelFlag{logger: l}, levelFlagName, levelFlagShortName,
		"Logging verbosity: 'debug', 'info', 'error', or a positive integer for increasing debug verbosity")
}

type levelFlag struct {
	logger *Logger
	value  string
}

func (f *levelFlag) Set(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	f.logger.SetLevel(level)
	f.value = value
	return nil
}

func (f *levelFlag) String() string {
	return f.value
}

func (*levelFlag) Type() string {
	return "level"
}
