// Package config loads node configuration from a YAML file overlaid by
// environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/rishansujesh/jobcluster/internal/jobs"
	redisx "github.com/rishansujesh/jobcluster/internal/redis"
	"github.com/rishansujesh/jobcluster/internal/schedule"
)

type Config struct {
	Node     NodeConfig             `yaml:"node"`
	Postgres PostgresConfig         `yaml:"postgres"`
	Redis    redisx.Config          `yaml:"redis"`
	Cluster  ClusterConfig          `yaml:"cluster"`
	Fetcher  FetcherConfig          `yaml:"fetcher"`
	Executor ExecutorConfig         `yaml:"executor"`
	Locks    LocksConfig            `yaml:"locks"`
	Master   MasterConfig           `yaml:"master"`
	Jobs     map[string]JobOverride `yaml:"jobs"`
	Streams  []redisx.StreamConfig  `yaml:"streams"`
	Log      LogConfig              `yaml:"log"`
}

type NodeConfig struct {
	Name string `yaml:"name"`
	// GRPCAddr is the cluster listener; AdvertiseAddr is what peers dial and
	// defaults to GRPCAddr.
	GRPCAddr      string `yaml:"grpcAddr"`
	AdvertiseAddr string `yaml:"advertiseAddr"`
	HTTPAddr      string `yaml:"httpAddr"`
	AdminToken    string `yaml:"adminToken"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnString returns DSN when set, otherwise one built from the parts.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
}

type ClusterConfig struct {
	redisx.MembershipConfig `yaml:",inline"`
	CallTimeout             time.Duration `yaml:"callTimeout"`
}

type FetcherConfig struct {
	Interval   time.Duration `yaml:"interval"`
	ForceFetch time.Duration `yaml:"forceFetch"`
	Timeout    time.Duration `yaml:"timeout"`
	DrainPoll  time.Duration `yaml:"drainPoll"`
	// TaskLimit is the declared limit of distributed jobs without a
	// jobs.<name>.taskLimit override.
	TaskLimit int `yaml:"taskLimit"`
}

type ExecutorConfig struct {
	Tick time.Duration `yaml:"tick"`
}

type LocksConfig struct {
	KeepAlive   time.Duration `yaml:"keepAlive"`
	Sweep       ScheduleSpec  `yaml:"sweep"`
	Threshold   time.Duration `yaml:"threshold"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type MasterConfig struct {
	LostNodeThreshold time.Duration `yaml:"lostNodeThreshold"`
	GrantTTL          time.Duration `yaml:"grantTTL"`
}

// ScheduleSpec is a schedule as written in configuration.
type ScheduleSpec struct {
	Type       schedule.Type `yaml:"type"`
	Expression string        `yaml:"expression"`
}

func (s ScheduleSpec) Build() (schedule.Schedule, error) {
	return schedule.New(s.Type, s.Expression)
}

// JobOverride changes the declared defaults of a managed or distributed job.
// They apply when the job node row is first created.
type JobOverride struct {
	Enabled   *bool         `yaml:"enabled"`
	Schedule  *ScheduleSpec `yaml:"schedule"`
	TaskLimit *int          `yaml:"taskLimit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "node"
	}
	return Config{
		Node: NodeConfig{Name: host, GRPCAddr: ":9090", HTTPAddr: ":8080"},
		Postgres: PostgresConfig{
			Host: "localhost", Port: "5432", User: "jobs", Password: "jobs", DB: "jobs", SSLMode: "disable",
		},
		Redis: redisx.Config{Addr: "localhost:6379", ConnectTimeout: time.Minute},
		Cluster: ClusterConfig{
			MembershipConfig: redisx.MembershipConfig{
				LeaderKey: "jobcluster:master", NodesKey: "jobcluster:nodes",
				TTL: 15 * time.Second, Interval: 3 * time.Second,
			},
			CallTimeout: 30 * time.Second,
		},
		Fetcher: FetcherConfig{
			Interval:   10 * time.Second,
			ForceFetch: time.Minute,
			Timeout:    5 * time.Minute,
			DrainPoll:  100 * time.Millisecond,
			TaskLimit:  1,
		},
		Executor: ExecutorConfig{Tick: 5 * time.Second},
		Locks: LocksConfig{
			KeepAlive:   time.Minute,
			Sweep:       ScheduleSpec{Type: schedule.Frequency, Expression: "10m"},
			Threshold:   30 * time.Minute,
			CallTimeout: 30 * time.Second,
		},
		Master: MasterConfig{LostNodeThreshold: 5 * time.Minute, GrantTTL: 10 * time.Minute},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setenv(&c.Node.Name, "NODE_NAME")
	setenv(&c.Node.GRPCAddr, "GRPC_ADDR")
	setenv(&c.Node.AdvertiseAddr, "ADVERTISE_ADDR")
	setenv(&c.Node.HTTPAddr, "HTTP_ADDR")
	setenv(&c.Node.AdminToken, "ADMIN_TOKEN")
	setenv(&c.Postgres.DSN, "POSTGRES_DSN")
	setenv(&c.Postgres.Host, "POSTGRES_HOST")
	setenv(&c.Postgres.Port, "POSTGRES_PORT")
	setenv(&c.Postgres.User, "POSTGRES_USER")
	setenv(&c.Postgres.Password, "POSTGRES_PASSWORD")
	setenv(&c.Postgres.DB, "POSTGRES_DB")
	setenv(&c.Postgres.SSLMode, "POSTGRES_SSLMODE")
	setenv(&c.Redis.Addr, "REDIS_ADDR")
	setenv(&c.Redis.Password, "REDIS_PASSWORD")
	setenv(&c.Log.Level, "LOG_LEVEL")
	setenv(&c.Log.Format, "LOG_FORMAT")
	if c.Node.AdvertiseAddr == "" {
		c.Node.AdvertiseAddr = c.Node.GRPCAddr
	}
}

func setenv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects settings the node cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Node.Name == "" {
		add("node.name is required")
	}
	if c.Node.GRPCAddr == "" {
		add("node.grpcAddr is required")
	}
	positive := map[string]time.Duration{
		"cluster.ttl":              c.Cluster.TTL,
		"cluster.interval":         c.Cluster.Interval,
		"cluster.callTimeout":      c.Cluster.CallTimeout,
		"fetcher.interval":         c.Fetcher.Interval,
		"fetcher.forceFetch":       c.Fetcher.ForceFetch,
		"fetcher.timeout":          c.Fetcher.Timeout,
		"fetcher.drainPoll":        c.Fetcher.DrainPoll,
		"executor.tick":            c.Executor.Tick,
		"locks.keepAlive":          c.Locks.KeepAlive,
		"locks.threshold":          c.Locks.Threshold,
		"locks.callTimeout":        c.Locks.CallTimeout,
		"master.lostNodeThreshold": c.Master.LostNodeThreshold,
		"master.grantTTL":          c.Master.GrantTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Cluster.Interval >= c.Cluster.TTL {
		add("cluster.interval must be shorter than cluster.ttl")
	}
	// A lock refreshed every keepAlive must never look stale.
	if c.Locks.Threshold <= c.Locks.KeepAlive {
		add("locks.threshold must exceed locks.keepAlive")
	}
	if c.Fetcher.ForceFetch < c.Fetcher.Interval {
		add("fetcher.forceFetch must not be shorter than fetcher.interval")
	}
	if c.Fetcher.TaskLimit < 0 {
		add("fetcher.taskLimit must not be negative")
	}
	if _, err := c.Locks.Sweep.Build(); err != nil {
		add("locks.sweep: %v", err)
	}
	for name, o := range c.Jobs {
		if o.Schedule != nil {
			if _, err := o.Schedule.Build(); err != nil {
				add("jobs.%s.schedule: %v", name, err)
			}
		}
		if o.TaskLimit != nil && *o.TaskLimit < 0 {
			add("jobs.%s.taskLimit must not be negative", name)
		}
	}
	seen := map[string]bool{}
	for i, s := range c.Streams {
		if s.JobName == "" {
			add("streams[%d].job is required", i)
		}
		if seen[s.JobName] {
			add("streams: job %q listed twice", s.JobName)
		}
		seen[s.JobName] = true
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Apply overlays the override for d's job on a declaration.
func (c Config) Apply(d jobs.Declaration) (jobs.Declaration, error) {
	o, ok := c.Jobs[d.Name]
	if !ok {
		return d, nil
	}
	if o.Enabled != nil {
		d.Enabled = *o.Enabled
	}
	if o.TaskLimit != nil {
		d.TaskLimit = *o.TaskLimit
	}
	if o.Schedule != nil {
		if d.Type == jobs.TypeDistributed {
			return d, errors.Errorf("job %q is distributed and takes no schedule", d.Name)
		}
		s, err := o.Schedule.Build()
		if err != nil {
			return d, errors.Wrapf(err, "job %q", d.Name)
		}
		d.Schedule = &s
		d.Type = jobs.Type(s.Type())
	}
	return d, nil
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log := logrus.New()
	log.SetLevel(lvl)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
