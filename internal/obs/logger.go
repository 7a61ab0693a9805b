// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelsByName = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

// NewLogger builds the process-wide structured logger, JSON-encoded at the
// configured level (default info for an unrecognized or empty value), with
// a static "service" field so relay's log lines are distinguishable in a
// shared log stream from other services the broker is deployed alongside.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, ok := levelsByName[strings.ToLower(level)]
	if !ok {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build(zap.Fields(zap.String("service", "relay")))
}

// String, Int, Bool, and Err are thin aliases over the zap field
// constructors; engine, reaper and httpapi still import zap directly as
// well.
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }
