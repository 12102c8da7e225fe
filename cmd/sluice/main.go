package main

import (
	"fmt"
	"os"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	gf := new(globalFlags)
	cmd := &cobra.Command{
		Use:           "sluice",
		Short:         "Task supervisor of the pipeline execution platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "YAML config file, environment variables prefixed with SLUICE_ take precedence")
	cmd.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "Overrides log.level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		supervisorCmd(gf),
		submitCmd(gf),
		idsCmd(gf, "kill", "Remove queued tasks before they are dispatched", kill),
		idsCmd(gf, "halt", "Stop tasks wherever they are queued or running", halt),
		idsCmd(gf, "delete", "Delete tasks and wait for running ones to exit", del),
		restartCmd(gf),
		resourcesCmd(gf),
		queueCmd(gf),
		watchCmd(gf),
		shutdownCmd(gf),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("sluice version %s (build: %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}

func (gf *globalFlags) load() (config.Config, types.Logger, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	zl := zerolog.New(os.Stderr).Level(cfg.Log.GetLevel()).With().Timestamp().Logger()
	return cfg, logging.NewDefaultLogger(&zl), nil
}
