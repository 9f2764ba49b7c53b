package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"smartfin-go/services/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DataDir  string
	Product  string
	Config   string
	LogLevel string
	JSONLogs bool
}

// NewRootCommand creates the smartfin command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "smartfin",
		Short: "Smartfin firmware core on a host",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := zapcore.ParseLevel(opts.LogLevel); err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.DataDir, "data", "d", "./smartfin-data", "device data directory")
	cmd.PersistentFlags().StringVar(&opts.Product, "product", config.DefaultProduct, "embedded product config")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "yaml file overlaid on the product config")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "debug|info|warn|error")
	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json", false, "json logs")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewLsCommand(opts))
	cmd.AddCommand(NewDecodeCommand(opts))
	cmd.AddCommand(NewFlogCommand(opts))
	cmd.AddCommand(NewBootCommand(opts))

	return cmd
}

// logger builds a zap logger for the chosen level and encoding. Logs go to
// stderr so they do not mix with the console on stdout.
func (o *RootOptions) logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	if o.JSONLogs {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
