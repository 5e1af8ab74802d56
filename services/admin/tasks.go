package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishansujesh/jobcluster/internal/config"
	redisx "github.com/rishansujesh/jobcluster/internal/redis"
)

// streams connects to Redis with the node configuration and returns a factory
// per configured stream job.
func (c *cli) streams(cmd *cobra.Command) (map[string]*redisx.StreamFactory, func(), error) {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	rdb, err := redisx.NewClientWithBackoff(cmd.Context(), cfg.Redis, log)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]*redisx.StreamFactory, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		out[sc.JobName] = redisx.NewStreamFactory(rdb, sc, log)
	}
	return out, func() { _ = rdb.Close() }, nil
}

// withStream runs fn against the stream of the job named in args[0].
func (c *cli) withStream(fn func(cmd *cobra.Command, f *redisx.StreamFactory, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		all, closeFn, err := c.streams(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		f, ok := all[args[0]]
		if !ok {
			return errors.Errorf("no stream configured for job %q", args[0])
		}
		return fn(cmd, f, args[1:])
	}
}

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect and repair the Redis streams behind distributed jobs"}

	lag := &cobra.Command{
		Use:   "lag",
		Short: "Length, pending and dead letter count per stream job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, closeFn, err := c.streams(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTREAM\tLENGTH\tPENDING\tDEAD")
			for name, f := range all {
				l, err := f.Lag(cmd.Context())
				if err != nil {
					fmt.Fprintf(w, "%s\t%s\terror: %v\t\t\n", name, f.Config().Stream, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", name, f.Config().Stream, l.Length, l.Pending, l.Dead)
			}
			return w.Flush()
		},
	}

	var count int64
	pending := &cobra.Command{
		Use:   "pending JOB",
		Short: "List delivered but unacknowledged entries",
		Args:  cobra.ExactArgs(1),
		RunE: c.withStream(func(cmd *cobra.Command, f *redisx.StreamFactory, _ []string) error {
			list, err := f.Pending(cmd.Context(), count)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNODE\tIDLE\tDELIVERIES")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.ID, p.Consumer, p.Idle.Truncate(time.Second), p.RetryCount)
			}
			return w.Flush()
		}),
	}
	pending.Flags().Int64Var(&count, "count", 50, "max entries to list")

	claim := &cobra.Command{
		Use:   "claim-stuck JOB",
		Short: "Re-queue entries idle longer than the stream's claimIdle",
		Args:  cobra.ExactArgs(1),
		RunE: c.withStream(func(cmd *cobra.Command, f *redisx.StreamFactory, _ []string) error {
			n, err := f.Reclaim(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("re-queued %d stuck entries of %s\n", n, f.JobName())
			return nil
		}),
	}

	var dlqCount int64
	requeue := &cobra.Command{
		Use:   "requeue-dlq JOB",
		Short: "Move dead letters back to the job's stream",
		Args:  cobra.ExactArgs(1),
		RunE: c.withStream(func(cmd *cobra.Command, f *redisx.StreamFactory, _ []string) error {
			n, err := f.RequeueDLQ(cmd.Context(), dlqCount)
			if err != nil {
				return err
			}
			cmd.Printf("requeued %d dead letters of %s\n", n, f.JobName())
			return nil
		}),
	}
	requeue.Flags().Int64Var(&dlqCount, "count", 50, "max dead letters to move")

	enqueue := &cobra.Command{
		Use:   "enqueue JOB PAYLOAD",
		Short: "Add a JSON payload as a task of a stream job",
		Args:  cobra.ExactArgs(2),
		RunE: c.withStream(func(cmd *cobra.Command, f *redisx.StreamFactory, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return errors.New("payload is not valid JSON")
			}
			id, err := f.Enqueue(cmd.Context(), json.RawMessage(args[0]))
			if err != nil {
				return err
			}
			cmd.Printf("enqueued %s\n", id)
			return nil
		}),
	}

	cmd.AddCommand(lag, pending, claim, requeue, enqueue)
	return cmd
}
