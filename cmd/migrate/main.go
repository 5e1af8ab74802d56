package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishansujesh/jobcluster/internal/config"
	"github.com/rishansujesh/jobcluster/internal/db"
)

func main() {
	var cfgPath string
	var list bool
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the embedded Postgres migrations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				all, err := db.Migrations()
				if err != nil {
					return err
				}
				for _, m := range all {
					cmd.Println(m.Name)
				}
				return nil
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := cfg.Log.Logger()
			if err != nil {
				return err
			}
			applied, err := db.Migrate(cmd.Context(), cfg.Postgres.ConnString(), log)
			if err != nil {
				return err
			}
			log.WithField("applied", len(applied)).Info("migrations done")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("JOBCLUSTER_CONFIG"), "YAML config file")
	cmd.Flags().BoolVar(&list, "list", false, "print the embedded migrations and exit")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("migrate")
	}
}
