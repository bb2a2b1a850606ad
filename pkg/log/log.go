package log

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"inference-node/pkg/defaults"
)

const (
	// LogVerbosityInfo is the default verbosity.
	LogVerbosityInfo = 0
	// LogVerbosityDebug enables debug messages.
	LogVerbosityDebug = 2
	// LogVerbosityTrace enables trace messages, including stale job drops.
	LogVerbosityTrace = 9

	verbosityFlag = "verbosity"
	formatFlag    = "log-format"
	outputFlag    = "log-output"
)

type loggerCtxKey struct{}

// Config represents the configuration settings for a logger.
type Config struct {
	// Verbosity is the logging verbosity level.
	Verbosity int
	// Format is the logging format, text or json.
	Format string
	// Output is the logging output, stderr, stdout or a file path.
	Output string
}

// Configure will configure the standard logger from the supplied config.
func Configure(logConfig *Config) error {
	if logConfig.Verbosity < 0 || logConfig.Verbosity > 10 {
		return invalidVerbosityError{verbosity: logConfig.Verbosity}
	}

	switch {
	case logConfig.Verbosity >= LogVerbosityTrace:
		logrus.SetLevel(logrus.TraceLevel)
	case logConfig.Verbosity >= LogVerbosityDebug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	switch logConfig.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return invalidLogFormatError{format: logConfig.Format}
	}

	switch logConfig.Output {
	case "":
		return ErrLogOutputRequired
	case "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		file, err := os.OpenFile(logConfig.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaults.DataFilePerm)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", logConfig.Output, err)
		}

		logrus.SetOutput(file)
	}

	return nil
}

// AddFlagsToCommand will add the logging flags to the supplied command.
func AddFlagsToCommand(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().IntVar(&cfg.Verbosity,
		verbosityFlag,
		LogVerbosityInfo,
		"The verbosity level of the logging. The level must be between 0 and 10 (trace).")

	cmd.PersistentFlags().StringVar(&cfg.Format,
		formatFlag,
		"text",
		"The format of the logging output. Can be 'text' or 'json'.")

	cmd.PersistentFlags().StringVar(&cfg.Output,
		outputFlag,
		"stderr",
		"The output for logging. Supply a file path or stderr or stdout.")
}

// WithLogger is used to attach a logger to a context.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// GetLogger returns the logger attached to ctx or the standard logger.
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey{}).(*logrus.Entry); ok {
			return logger
		}
	}

	return logrus.NewEntry(logrus.StandardLogger())
}
