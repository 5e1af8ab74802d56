package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrLockRowMissing means the cluster_locks row could be neither found nor created.
var ErrLockRowMissing = errors.New("cluster lock row missing")

// PGStore implements RowLocker on the cluster_locks table.
type PGStore struct {
	DB        *sql.DB
	DefaultTO time.Duration // statement timeout for the insert/select pair
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db, DefaultTO: 5 * time.Second}
}

func (s *PGStore) WithLock(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin lock transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.acquire(ctx, tx, name); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrapf(tx.Commit(), "commit lock %q", name)
}

func (s *PGStore) acquire(ctx context.Context, tx *sql.Tx, name string) error {
	qctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if _, err := tx.ExecContext(qctx,
		`INSERT INTO cluster_locks (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return errors.Wrapf(err, "create lock row %q", name)
	}

	// The row lock outlives qctx; only the wait for it is bounded by the caller's ctx.
	var got string
	err := tx.QueryRowContext(ctx,
		`SELECT name FROM cluster_locks WHERE name = $1 FOR UPDATE`, name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrLockRowMissing, "%q", name)
	}
	return errors.Wrapf(err, "lock row %q", name)
}

// Row is a cluster_locks entry.
type Row struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *PGStore) Rows(ctx context.Context) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `SELECT name, created_at FROM cluster_locks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Name, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MemoryRows is a process-local RowLocker for single node runs and tests. fn
// receives a nil transaction.
type MemoryRows struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemoryRows() *MemoryRows {
	return &MemoryRows{locks: make(map[string]*sync.Mutex)}
}

func (m *MemoryRows) WithLock(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()
	return fn(nil)
}
