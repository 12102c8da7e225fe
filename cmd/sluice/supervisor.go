package main

import (
	"github.com/mykube-run/sluice/pkg/impl/database"
	"github.com/mykube-run/sluice/pkg/impl/executor"
	"github.com/mykube-run/sluice/pkg/impl/listener"
	"github.com/mykube-run/sluice/pkg/supervisor"
	"github.com/spf13/cobra"
)

func supervisorCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "supervisor",
		Short: "Run a supervisor until SIGINT, SIGTERM or a shutdown message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := gf.load()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database)
			if err != nil {
				return err
			}
			exec, err := executor.NewProcessExecutor(cfg.Executor, lg)
			if err != nil {
				_ = db.Close()
				return err
			}
			s, err := supervisor.New(&supervisor.Options{Config: cfg}, db, exec, lg, listener.NewLogging(lg))
			if err != nil {
				_ = db.Close()
				return err
			}
			return s.Start()
		},
	}
}
