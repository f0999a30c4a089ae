package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// newLogger builds the process logger. The --log-level flag wins over the
// config file; an empty level falls back to the config value.
func newLogger(configLevel, flagLevel string) (*logrus.Logger, error) {
	level := configLevel
	if flagLevel != "" {
		level = flagLevel
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}

	logger := logrus.New()
	logger.SetLevel(parsed)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
