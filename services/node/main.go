package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishansujesh/jobcluster/internal/config"
	"github.com/rishansujesh/jobcluster/internal/db"
	"github.com/rishansujesh/jobcluster/internal/node"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("node exited")
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "node",
		Short:         "jobcluster node: scheduled jobs, cluster locks and distributed tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("JOBCLUSTER_CONFIG"), "YAML config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Join the cluster and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := node.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()
			n, err := node.New(cfg, b, node.Options{}, log)
			if err != nil {
				return err
			}
			return n.Run(ctx)
		},
	}

	var migrate bool
	run.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	run.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if !migrate {
			return nil
		}
		cfg, log, err := load(cfgPath)
		if err != nil {
			return err
		}
		_, err = db.Migrate(cmd.Context(), cfg.Postgres.ConnString(), log)
		return err
	}

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the jobs it declares",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(cfgPath)
			if err != nil {
				return err
			}
			cmd.Printf("node %s, cluster RPC on %s, %d stream job(s)\n", cfg.Node.Name, cfg.Node.GRPCAddr, len(cfg.Streams))
			for _, s := range cfg.Streams {
				cmd.Printf("  %s\n", s.JobName)
			}
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

func load(path string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		return cfg, nil, errors.Wrap(err, "logger")
	}
	return cfg, log, nil
}
