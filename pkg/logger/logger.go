// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the singleton logger instance that is used by all components.
var Log logr.Logger = logr.Discard()

type Config struct {
	Development       bool
	Cli               bool
	Verbosity         int
	DisableStacktrace bool
	DisableCaller     bool
	DisableTimestamp  bool
}

var configFromFlags = Config{}

// New creates a new logger with the given configuration.
func New(config *Config) (logr.Logger, error) {
	if config == nil {
		config = &configFromFlags
	}
	zapCfg := determineZapConfig(config)

	zapLog, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zapLog), nil
}

// NewCliLogger creates a new logger for cli usage.
// CLI usage means that by default:
// - encoding is console
// - timestamps are disabled (can be still activated by the cli flag)
// - level are color encoded
func NewCliLogger() (logr.Logger, error) {
	config := &configFromFlags
	config.Cli = true
	return New(config)
}

// SetLogger sets the singleton logger.
func SetLogger(log logr.Logger) {
	Log = log
}

// InitFlags registers the logging flags on the given flag set.
func InitFlags(flagset *pflag.FlagSet) {
	if flagset == nil {
		flagset = pflag.CommandLine
	}

	flagset.BoolVar(&configFromFlags.Development, "dev", false, "enable development logging which result in console encoding, enabled stacktrace and enabled caller")
	flagset.BoolVar(&configFromFlags.Cli, "cli", false, "logger runs as cli logger. enables cli logging")
	flagset.IntVarP(&configFromFlags.Verbosity, "verbosity", "v", 1, "number for the log level verbosity")
	flagset.BoolVar(&configFromFlags.DisableStacktrace, "disable-stacktrace", true, "disable the stacktrace of error logs")
	flagset.BoolVar(&configFromFlags.DisableCaller, "disable-caller", true, "disable the caller of logs")
	flagset.BoolVar(&configFromFlags.DisableTimestamp, "disable-timestamp", true, "disable timestamp output")
}

func determineZapConfig(loggerConfig *Config) zap.Config {
	var zapCfg zap.Config
	if loggerConfig.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else if loggerConfig.Cli {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !loggerConfig.Development {
			zapCfg.DisableStacktrace = true
		}
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	loggerConfig.SetDisabledFields(&zapCfg)
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(0 - loggerConfig.Verbosity))

	return zapCfg
}

// SetDisabledFields disables fields of the zap configuration that are marked as disabled.
func (c *Config) SetDisabledFields(zapCfg *zap.Config) {
	zapCfg.DisableStacktrace = c.DisableStacktrace
	zapCfg.DisableCaller = c.DisableCaller
	if c.DisableTimestamp {
		zapCfg.EncoderConfig.TimeKey = ""
	}
}
