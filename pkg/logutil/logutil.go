// Package logutil provides logging utilities.
//
// All loggers returned by GetLogger write to one shared sink, which discards
// everything until SetOutput or SetOutputFile is called. This lets packages
// create their loggers at init time, before the program has decided where
// logs should go.
package logutil

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type sink struct{ w atomic.Pointer[io.Writer] }

func (s *sink) Write(p []byte) (int, error) {
	w := s.w.Load()
	if w == nil {
		return len(p), nil
	}
	return (*w).Write(p)
}

func (s *sink) Sync() error { return nil }

var (
	out   = &sink{}
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	root  = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(out), level))
)

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.ConsoleSeparator = " "
	return cfg
}

// GetLogger gets a logger with the given prefix. The prefix is used as the
// logger name; surrounding brackets and spaces are stripped, so both "[shell]
// " and "shell" name the same logger.
func GetLogger(prefix string) *zap.SugaredLogger {
	name := strings.Trim(prefix, "[] ")
	return root.Named(name).Sugar()
}

// SetOutput redirects the output of all loggers obtained with GetLogger to
// the given writer. A nil writer discards all output.
func SetOutput(w io.Writer) {
	if w == nil {
		out.w.Store(nil)
		return
	}
	out.w.Store(&w)
}

// SetOutputFile redirects the output of all loggers obtained with GetLogger to
// the named file, which is truncated. If fname is empty, output is discarded.
func SetOutputFile(fname string) error {
	if fname == "" {
		SetOutput(nil)
		return nil
	}
	file, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	SetOutput(file)
	return nil
}

// SetLevel sets the minimal level of messages that are written. The level is
// one of "debug", "info", "warn" and "error".
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}
