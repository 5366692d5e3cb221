package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/peerlink/pkg/config"
)

// configureLogger creates a logger with the appropriate log level based on flags.
// --log-level takes precedence over --verbose. Without either, the level from
// an explicit --config file applies; otherwise the logger stays near-silent.
func configureLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config) (*logrus.Logger, error) {
	// Default to panic level (essentially silent for normal operations)
	logLevel := logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool(verboseFlagName)

	switch {
	case logLevelStr != "":
		lvl, err := config.ParseLogLevel(logLevelStr)
		if err != nil {
			return nil, err
		}
		logLevel = lvl
	case verbose:
		logLevel = logrus.DebugLevel
	case configPath != "" && cfg != nil:
		lvl, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logLevel = lvl
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
