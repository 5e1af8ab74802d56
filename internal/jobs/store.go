package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rishansujesh/jobcluster/internal/schedule"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres Repository.
type Store struct {
	DB        *sql.DB
	DefaultTO time.Duration // default timeout per query
	q         querier
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, DefaultTO: 5 * time.Second, q: db}
}

// WithTx returns a Store whose queries run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	if tx == nil {
		return s
	}
	return &Store{DB: s.DB, DefaultTO: s.DefaultTO, q: tx}
}

/* ===================== Jobs ===================== */

const jobColumns = `id, version, name, description, enabled, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Version, &j.Name, &j.Description, &j.Enabled, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *Store) FindJobs(ctx context.Context, c JobCriteria) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR name = $1) ORDER BY name`
	rows, err := s.q.QueryContext(ctx, q, c.Name)
	if err != nil {
		return nil, errors.Wrap(err, "find jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) SaveJob(ctx context.Context, j Job) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if j.ID == 0 {
		q := `
INSERT INTO jobs (name, description, enabled)
VALUES ($1, $2, $3)
RETURNING ` + jobColumns + `;`
		out, err := scanJob(s.q.QueryRowContext(ctx, q, j.Name, j.Description, j.Enabled))
		return out, errors.Wrapf(err, "insert job %q", j.Name)
	}

	q := `
UPDATE jobs SET name = $1, description = $2, enabled = $3, version = version + 1, updated_at = now()
WHERE id = $4 AND version = $5
RETURNING ` + jobColumns + `;`
	out, err := scanJob(s.q.QueryRowContext(ctx, q, j.Name, j.Description, j.Enabled, j.ID, j.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, s.missingOrStale(ctx, "jobs", j.ID)
	}
	return out, errors.Wrapf(err, "update job %q", j.Name)
}

func (s *Store) DeleteJob(ctx context.Context, j Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.q.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID)
	if err != nil {
		return errors.Wrapf(err, "delete job %q", j.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/* ===================== Job nodes ===================== */

const jobNodeSelect = `
SELECT jn.id, jn.version, jn.job_id, j.name, j.enabled, jn.node, jn.enabled, jn.job_type,
       jn.schedule_type, jn.schedule_expr, jn.task_limit, jn.created_at, jn.updated_at
FROM job_nodes jn JOIN jobs j ON j.id = jn.job_id`

func scanJobNode(row interface{ Scan(...any) error }) (JobNode, error) {
	var (
		jn       JobNode
		typ      string
		schedTyp sql.NullString
		expr     sql.NullString
	)
	if err := row.Scan(&jn.ID, &jn.Version, &jn.JobID, &jn.JobName, &jn.JobEnabled, &jn.Node, &jn.Enabled,
		&typ, &schedTyp, &expr, &jn.TaskLimit, &jn.CreatedAt, &jn.UpdatedAt); err != nil {
		return JobNode{}, err
	}
	jn.Type = Type(typ)
	if schedTyp.Valid && schedTyp.String != "" {
		sc, err := schedule.New(schedule.Type(schedTyp.String), expr.String)
		if err != nil {
			return JobNode{}, errors.Wrapf(err, "job node %d", jn.ID)
		}
		jn.Schedule = &sc
	}
	return jn, nil
}

func (s *Store) FindJobNodes(ctx context.Context, c JobNodeCriteria) ([]JobNode, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if c.Node != "" {
		add("jn.node = $%d", c.Node)
	}
	if c.JobName != "" {
		add("j.name = $%d", c.JobName)
	}
	if c.Type != "" {
		add("jn.job_type = $%d", string(c.Type))
	}
	q := jobNodeSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY j.name, jn.node"

	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find job nodes")
	}
	defer rows.Close()

	var out []JobNode
	for rows.Next() {
		jn, err := scanJobNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jn)
	}
	return out, rows.Err()
}

func (s *Store) SaveJobNode(ctx context.Context, jn JobNode) (JobNode, error) {
	if err := jn.Validate(); err != nil {
		return JobNode{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	var schedTyp, expr *string
	if jn.Schedule != nil {
		t, e := string(jn.Schedule.Type()), jn.Schedule.Expression()
		schedTyp, expr = &t, &e
	}

	var id int64
	var err error
	if jn.ID == 0 {
		err = s.q.QueryRowContext(ctx, `
INSERT INTO job_nodes (job_id, node, enabled, job_type, schedule_type, schedule_expr, task_limit)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id;`, jn.JobID, jn.Node, jn.Enabled, string(jn.Type), schedTyp, expr, jn.TaskLimit).Scan(&id)
		if err != nil {
			return JobNode{}, errors.Wrapf(err, "insert job node %s/%s", jn.JobName, jn.Node)
		}
	} else {
		err = s.q.QueryRowContext(ctx, `
UPDATE job_nodes
SET node = $1, enabled = $2, job_type = $3, schedule_type = $4, schedule_expr = $5, task_limit = $6,
    version = version + 1, updated_at = now()
WHERE id = $7 AND version = $8
RETURNING id;`, jn.Node, jn.Enabled, string(jn.Type), schedTyp, expr, jn.TaskLimit, jn.ID, jn.Version).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return JobNode{}, s.missingOrStale(ctx, "job_nodes", jn.ID)
		}
		if err != nil {
			return JobNode{}, errors.Wrapf(err, "update job node %d", jn.ID)
		}
	}

	out, err := scanJobNode(s.q.QueryRowContext(ctx, jobNodeSelect+` WHERE jn.id = $1`, id))
	return out, errors.Wrapf(err, "reload job node %d", id)
}

func (s *Store) DeleteJobNode(ctx context.Context, jn JobNode) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.q.ExecContext(ctx, `DELETE FROM job_nodes WHERE id = $1`, jn.ID)
	if err != nil {
		return errors.Wrapf(err, "delete job node %d", jn.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// missingOrStale tells apart an update that lost a version race from one whose row is gone.
func (s *Store) missingOrStale(ctx context.Context, table string, id int64) error {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE id = $1)`
	if err := s.q.QueryRowContext(ctx, q, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check %s %d", table, id)
	}
	if !exists {
		return ErrNotFound
	}
	return errors.Wrapf(ErrVersionConflict, "%s %d", table, id)
}
