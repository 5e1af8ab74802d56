package redisx

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/distributed"
)

// StreamConfig describes the Redis stream feeding one distributed job.
type StreamConfig struct {
	JobName     string        `yaml:"job"`
	Stream      string        `yaml:"stream"`      // default "jobs:<job>"
	Group       string        `yaml:"group"`       // default "cg:jobcluster"
	DLQ         string        `yaml:"dlq"`         // default "<stream>:dlq"
	MaxAttempts int           `yaml:"maxAttempts"` // default 5
	ClaimIdle   time.Duration `yaml:"claimIdle"`   // default 15m
}

func (c *StreamConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "jobs:" + c.JobName
	}
	if c.Group == "" {
		c.Group = "cg:jobcluster"
	}
	if c.DLQ == "" {
		c.DLQ = c.Stream + ":dlq"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 15 * time.Minute
	}
}

// Stream entry fields.
const (
	fieldData    = "data"
	fieldAttempt = "attempt"
	fieldError   = "error"
)

// reclaimConsumer owns entries taken over from consumers that went away.
const reclaimConsumer = "jobcluster:reclaim"

// StreamFactory hands out stream entries as tasks through a consumer group,
// using the receiving node as consumer name. Failed tasks are re-queued until
// MaxAttempts and then moved to the dead letter stream.
type StreamFactory struct {
	rdb redis.Cmdable
	cfg StreamConfig
	log logrus.FieldLogger
}

var (
	_ distributed.TaskFactory = (*StreamFactory)(nil)
	_ distributed.Completer   = (*StreamFactory)(nil)
	_ distributed.Reclaimer   = (*StreamFactory)(nil)
)

func NewStreamFactory(rdb redis.Cmdable, cfg StreamConfig, log logrus.FieldLogger) *StreamFactory {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamFactory{
		rdb: rdb,
		cfg: cfg,
		log: log.WithFields(logrus.Fields{"component": "streams", "job": cfg.JobName, "stream": cfg.Stream}),
	}
}

func (f *StreamFactory) JobName() string      { return f.cfg.JobName }
func (f *StreamFactory) Config() StreamConfig { return f.cfg }

// EnsureGroup creates the stream and its consumer group if missing.
func (f *StreamFactory) EnsureGroup(ctx context.Context) error {
	err := f.rdb.XGroupCreateMkStream(ctx, f.cfg.Stream, f.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrapf(err, "create group %s on %s", f.cfg.Group, f.cfg.Stream)
	}
	return nil
}

func isBusyGroup(err error) bool {
	// v9 doesn't export an error for BUSYGROUP.
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Enqueue adds a task carrying payload.
func (f *StreamFactory) Enqueue(ctx context.Context, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encode task payload")
	}
	return f.add(ctx, f.cfg.Stream, string(b), 0, "")
}

func (f *StreamFactory) add(ctx context.Context, stream, data string, attempt int, lastErr string) (string, error) {
	values := map[string]any{fieldData: data, fieldAttempt: attempt}
	if lastErr != "" {
		values[fieldError] = lastErr
	}
	id, err := f.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
	return id, errors.Wrapf(err, "xadd %s", stream)
}

func (f *StreamFactory) Fetch(ctx context.Context, node string, count int) ([]distributed.Task, error) {
	res, err := f.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.cfg.Group,
		Consumer: node,
		Streams:  []string{f.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		if err := f.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "xreadgroup %s", f.cfg.Stream)
	}
	var out []distributed.Task
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, f.task(m))
		}
	}
	return out, nil
}

func (f *StreamFactory) task(m redis.XMessage) distributed.Task {
	data, _ := m.Values[fieldData].(string)
	t := distributed.Task{ID: m.ID, JobName: f.cfg.JobName}
	if data != "" {
		t.Payload = json.RawMessage(data)
	}
	return t
}

// Abandon puts the entries back at the tail of the stream with their attempt
// count unchanged.
func (f *StreamFactory) Abandon(ctx context.Context, node string, tasks []distributed.Task) error {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	n, err := f.requeue(ctx, ids, nil)
	if n > 0 {
		f.log.WithFields(logrus.Fields{"node": node, "tasks": n}).Info("tasks returned to stream")
	}
	return err
}

// Complete acknowledges successful tasks and retries or dead-letters failed ones.
func (f *StreamFactory) Complete(ctx context.Context, node string, refs []distributed.TaskRef) error {
	var ok []string
	failed := map[string]string{}
	var failedIDs []string
	for _, r := range refs {
		if r.Failed() {
			failed[r.ID] = r.Error
			failedIDs = append(failedIDs, r.ID)
		} else {
			ok = append(ok, r.ID)
		}
	}
	if len(ok) > 0 {
		if err := f.ackDel(ctx, ok...); err != nil {
			return err
		}
	}
	if len(failedIDs) > 0 {
		if _, err := f.requeue(ctx, failedIDs, failed); err != nil {
			return err
		}
	}
	return nil
}

// requeue re-adds the entries named by ids and acknowledges the originals.
// With failures set, each entry's attempt count grows and entries past
// MaxAttempts go to the dead letter stream instead.
func (f *StreamFactory) requeue(ctx context.Context, ids []string, failures map[string]string) (int, error) {
	moved := 0
	for _, id := range ids {
		msgs, err := f.rdb.XRangeN(ctx, f.cfg.Stream, id, id, 1).Result()
		if err != nil {
			return moved, errors.Wrapf(err, "xrange %s %s", f.cfg.Stream, id)
		}
		if len(msgs) == 0 {
			// Already gone; acknowledge so it leaves the pending list.
			_ = f.ackDel(ctx, id)
			continue
		}
		m := msgs[0]
		data, _ := m.Values[fieldData].(string)
		attempt := attemptOf(m)
		target, lastErr := f.cfg.Stream, ""
		if msg, failed := failures[id]; failed {
			attempt++
			lastErr = msg
			if attempt >= f.cfg.MaxAttempts {
				target = f.cfg.DLQ
				f.log.WithFields(logrus.Fields{"task": id, "attempt": attempt}).Warn("task moved to dead letter stream")
			}
		}
		if _, err := f.add(ctx, target, data, attempt, lastErr); err != nil {
			return moved, err
		}
		if err := f.ackDel(ctx, id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func attemptOf(m redis.XMessage) int {
	switch v := m.Values[fieldAttempt].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int:
		return v
	}
	return 0
}

func (f *StreamFactory) ackDel(ctx context.Context, ids ...string) error {
	if err := f.rdb.XAck(ctx, f.cfg.Stream, f.cfg.Group, ids...).Err(); err != nil {
		return errors.Wrapf(err, "xack %s", f.cfg.Stream)
	}
	return errors.Wrapf(f.rdb.XDel(ctx, f.cfg.Stream, ids...).Err(), "xdel %s", f.cfg.Stream)
}

// Reclaim re-queues entries idle in the pending list for longer than
// ClaimIdle, covering grants the master lost track of.
func (f *StreamFactory) Reclaim(ctx context.Context) (int, error) {
	pending, err := f.Pending(ctx, 1000)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= f.cfg.ClaimIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	claimed, err := f.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   f.cfg.Stream,
		Group:    f.cfg.Group,
		Consumer: reclaimConsumer,
		MinIdle:  f.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "xclaim %s", f.cfg.Stream)
	}
	n, err := f.requeue(ctx, claimed, nil)
	if n > 0 {
		f.log.WithField("tasks", n).Warn("reclaimed idle stream entries")
	}
	return n, err
}

// Pending lists up to count entries delivered but not yet acknowledged.
func (f *StreamFactory) Pending(ctx context.Context, count int64) ([]redis.XPendingExt, error) {
	pending, err := f.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: f.cfg.Stream, Group: f.cfg.Group, Start: "-", End: "+", Count: count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "xpending %s", f.cfg.Stream)
	}
	return pending, nil
}

// Lag summarises a job's stream.
type Lag struct {
	Job     string `json:"job"`
	Length  int64  `json:"length"`
	Pending int64  `json:"pending"`
	Dead    int64  `json:"dead"`
}

func (f *StreamFactory) Lag(ctx context.Context) (Lag, error) {
	l := Lag{Job: f.cfg.JobName}
	var err error
	if l.Length, err = f.rdb.XLen(ctx, f.cfg.Stream).Result(); err != nil {
		return l, errors.Wrapf(err, "xlen %s", f.cfg.Stream)
	}
	p, err := f.rdb.XPending(ctx, f.cfg.Stream, f.cfg.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return l, errors.Wrapf(err, "xpending %s", f.cfg.Stream)
	}
	if p != nil {
		l.Pending = p.Count
	}
	if l.Dead, err = f.rdb.XLen(ctx, f.cfg.DLQ).Result(); err != nil {
		return l, errors.Wrapf(err, "xlen %s", f.cfg.DLQ)
	}
	return l, nil
}

// RequeueDLQ moves up to count dead letters back to the stream with a fresh
// attempt count.
func (f *StreamFactory) RequeueDLQ(ctx context.Context, count int64) (int, error) {
	msgs, err := f.rdb.XRangeN(ctx, f.cfg.DLQ, "-", "+", count).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "xrange %s", f.cfg.DLQ)
	}
	moved := 0
	for _, m := range msgs {
		data, _ := m.Values[fieldData].(string)
		if _, err := f.add(ctx, f.cfg.Stream, data, 0, ""); err != nil {
			return moved, err
		}
		if err := f.rdb.XDel(ctx, f.cfg.DLQ, m.ID).Err(); err != nil {
			return moved, errors.Wrapf(err, "xdel %s", f.cfg.DLQ)
		}
		moved++
	}
	return moved, nil
}
