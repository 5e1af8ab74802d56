package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newCLI().root.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("admin")
	}
}

type cli struct {
	root    *cobra.Command
	api     string
	token   string
	cfgPath string
	http    *http.Client
}

func newCLI() *cli {
	c := &cli{http: &http.Client{Timeout: 30 * time.Second}}
	c.root = &cobra.Command{
		Use:           "admin",
		Short:         "Operate a jobcluster: jobs, job nodes, locks and stream tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := c.root.PersistentFlags()
	f.StringVar(&c.api, "api", envOr("ADMIN_API", "http://localhost:8080"), "node admin API base URL")
	f.StringVar(&c.token, "token", os.Getenv("ADMIN_TOKEN"), "admin bearer token for mutations")
	f.StringVarP(&c.cfgPath, "config", "c", os.Getenv("JOBCLUSTER_CONFIG"), "node YAML config (tasks commands)")

	locks := &cobra.Command{Use: "locks", Short: "Inspect cluster locks"}
	locks.AddCommand(c.stateCmd("list", "/v1/locks", "List the master's leases and the locks this node holds"))

	c.root.AddCommand(c.jobsCmd(), c.jobNodesCmd(), locks,
		c.stateCmd("nodes", "/v1/nodes", "List cluster members and the master"),
		c.stateCmd("trackers", "/v1/trackers", "Show this node's job trackers"), c.tasksCmd())
	return c
}

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "List and toggle jobs"}
	var name string
	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.get(cmd, "/v1/jobs", url.Values{"name": {name}})
		},
	}
	list.Flags().StringVar(&name, "name", "", "only this job")

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:  use + " NAME",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.patch(cmd, "/v1/jobs/"+url.PathEscape(args[0]), map[string]any{"enabled": enabled})
			},
		}
	}
	cmd.AddCommand(list, toggle("enable", true), toggle("disable", false))
	return cmd
}

func (c *cli) jobNodesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobnodes", Short: "List and change per node job settings"}

	var node, job, typ string
	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.get(cmd, "/v1/jobnodes", url.Values{"node": {node}, "job": {job}, "type": {typ}})
		},
	}
	list.Flags().StringVar(&node, "node", "", "filter by node")
	list.Flags().StringVar(&job, "job", "", "filter by job name")
	list.Flags().StringVar(&typ, "type", "", "filter by type (CRON, FREQUENCY, DISTRIBUTED)")

	var (
		enabled          bool
		taskLimit        int
		schedType, sched string
	)
	set := &cobra.Command{
		Use:   "set ID",
		Short: "Change a job node; only the flags given are sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return errors.Errorf("job node id %q is not a number", args[0])
			}
			body := map[string]any{}
			if cmd.Flags().Changed("enabled") {
				body["enabled"] = enabled
			}
			if cmd.Flags().Changed("task-limit") {
				body["task_limit"] = taskLimit
			}
			if cmd.Flags().Changed("schedule") {
				body["schedule"] = map[string]string{"type": schedType, "expression": sched}
			}
			if len(body) == 0 {
				return errors.New("nothing to change")
			}
			return c.patch(cmd, "/v1/jobnodes/"+args[0], body)
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "enable or disable the job on this node")
	set.Flags().IntVar(&taskLimit, "task-limit", 0, "concurrent tasks of a distributed job")
	set.Flags().StringVar(&sched, "schedule", "", "schedule expression")
	set.Flags().StringVar(&schedType, "schedule-type", "FREQUENCY", "CRON or FREQUENCY")

	cmd.AddCommand(list, set)
	return cmd
}

func (c *cli) stateCmd(use, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.get(cmd, path, nil)
		},
	}
}

func (c *cli) get(cmd *cobra.Command, path string, q url.Values) error {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	u := c.api + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(cmd, req)
}

func (c *cli) patch(cmd *cobra.Command, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPatch, c.api+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(cmd, req)
}

// do prints the indented JSON response and fails on a non-2xx status.
func (c *cli) do(cmd *cobra.Command, req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
