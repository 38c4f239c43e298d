// Package logging builds the logrus logger used across moult.
package logging

import (
	"fmt"
	"io"

	"github.com/dyluth/moult/internal/config"
	"github.com/sirupsen/logrus"
)

// New creates a logger writing to w at the configured level and format.
// A nil cfg means info level text output.
func New(cfg *config.LogConfig, w io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(w)

	level, format := config.DefaultLogLevel, config.DefaultLogFormat
	if cfg != nil {
		if cfg.Level != "" {
			level = cfg.Level
		}
		if cfg.Format != "" {
			format = cfg.Format
		}
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	return l.WithField("component", name)
}
