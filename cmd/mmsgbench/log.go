package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger creates the run's logger. The returned close function flushes
// and closes the log file, if any.
func newLogger(conf LogConfig) (*logrus.Logger, func() error, error) {
	level, err := logrus.ParseLevel(conf.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	if conf.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	closeFn := func() error { return nil }
	if conf.File != "" {
		file := &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, file))
		closeFn = file.Close
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, closeFn, nil
}
