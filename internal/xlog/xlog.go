// Package xlog provides the package-level logging shim used throughout the
// engine: Infof/Warningf/Errorf/Fatalf calls backed by a zap sugared logger.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	quiet  bool
	debugN bool
)

func logger() *zap.SugaredLogger {
	once.Do(func() {
		lvl := zapcore.InfoLevel
		if os.Getenv("VOS_DEBUG") != "" {
			lvl = zapcore.DebugLevel
			debugN = true
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = "ts"
		l, err := cfg.Build()
		if err != nil {
			// fall back to a no-op core rather than panic on logger misconfiguration
			l = zap.NewNop()
		}
		sugar = l.Sugar()
	})
	return sugar
}

// SetQuiet silences Infof/Warningf (Errorf/Fatalf remain audible); used by
// the CLI launcher's --quiet flag.
func SetQuiet(v bool) { quiet = v }

func Infof(format string, args ...interface{}) {
	if quiet {
		return
	}
	logger().Infof(format, args...)
}

func Warningf(format string, args ...interface{}) {
	if quiet {
		return
	}
	logger().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger().Fatalf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	if !debugN {
		return
	}
	logger().Debugf(format, args...)
}
