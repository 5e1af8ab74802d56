// Package db opens Postgres and applies the embedded schema migrations.
package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"embed"
	"encoding/binary"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationLock = "jobcluster:migrate"

// Open connects with database/sql over the pgx driver, retrying until Postgres
// answers a ping or ctx is done.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, backoff.WithContext(b, ctx)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// Migration is one embedded SQL file.
type Migration struct {
	Name string
	SQL  string
}

// Migrations lists the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	out := make([]Migration, 0, len(files))
	for _, f := range files {
		b, err := migrations.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", f)
		}
		out = append(out, Migration{Name: strings.TrimPrefix(f, "migrations/"), SQL: strings.TrimSpace(string(b))})
	}
	return out, nil
}

// Migrate applies pending migrations on a dedicated connection. Concurrent
// callers serialise on a session advisory lock; applied files are recorded in
// schema_migrations.
func Migrate(ctx context.Context, dsn string, log logrus.FieldLogger) ([]string, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect for migrations")
	}
	defer conn.Close(context.Background())

	key := hashToBigInt(migrationLock)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return nil, errors.Wrap(err, "take migration lock")
	}
	defer func() { _, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key) }()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return nil, errors.Wrap(err, "create schema_migrations")
	}

	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, m := range all {
		var done bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name).Scan(&done); err != nil {
			return applied, errors.Wrapf(err, "check migration %s", m.Name)
		}
		if done || m.SQL == "" {
			continue
		}
		log.WithField("migration", m.Name).Info("applying migration")
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return applied, errors.Wrapf(err, "apply migration %s", m.Name)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// hashToBigInt produces a signed 64-bit advisory lock key from a string.
func hashToBigInt(s string) int64 {
	h := sha1.Sum([]byte(s))
	return int64(binary.BigEndian.Uint64(h[0:8]))
}
