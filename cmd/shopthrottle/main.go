package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/shopthrottle/internal/config"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
)

var version = "v0.1.0"

type rootFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "shopthrottle",
		Short:        "Leaky bucket aware client for rate limited shop APIs",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML or TOML config file")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override observability.log_level")
	cmd.PersistentFlags().BoolVar(&f.pretty, "pretty", false, "human readable log output")

	cmd.AddCommand(newSandboxCmd(f))
	cmd.AddCommand(newBenchCmd(f))
	return cmd
}

// load reads the config file, or the defaults when none was given.
func (f *rootFlags) load() (*config.Root, zerolog.Logger, error) {
	var (
		cfg *config.Root
		err error
	)
	if f.configPath == "" {
		cfg, err = config.Parse(nil, ".yaml")
	} else {
		cfg, err = config.Load(f.configPath)
	}
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if f.logLevel != "" {
		cfg.Observability.LogLevel = f.logLevel
	}
	logger := obs.SetupLogger(cfg.Observability.LogLevel, f.pretty || cfg.Observability.Pretty)
	return cfg, logger, nil
}
