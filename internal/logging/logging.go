// Package logging installs the zap backend behind ctrl.Log.
package logging

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// ParseLevel maps debug, info and error to zap levels
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a logger writing to w. Development mode logs in console
// format with stack traces on warnings; otherwise it logs JSON.
func New(w io.Writer, level string, development bool) (logr.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	return zap.New(
		zap.UseDevMode(development),
		zap.WriteTo(w),
		zap.Level(lvl),
	), nil
}

// Setup installs the logger as ctrl.Log
func Setup(w io.Writer, level string, development bool) error {
	logger, err := New(w, level, development)
	if err != nil {
		return err
	}
	ctrl.SetLogger(logger)
	return nil
}
