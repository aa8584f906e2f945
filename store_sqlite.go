package mutationq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mutations (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	tbl               TEXT NOT NULL,
	payload           TEXT NOT NULL,
	filters           TEXT,
	ts                INTEGER NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL,
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	query_key         TEXT,
	optimistic_update TEXT,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status, ts);
CREATE INDEX IF NOT EXISTS idx_mutations_ts ON mutations(ts);
CREATE INDEX IF NOT EXISTS idx_mutations_table ON mutations(tbl, ts);
`

const sqliteColumns = `id, type, tbl, payload, filters, ts, retry_count, max_retries,
	status, error, query_key, optimistic_update, updated_at`

// SQLiteStore keeps the queue in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) mutationq.db in dataDir.
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "mutationq.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps upserts and prunes serialised.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mutation schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, op Operation) error {
	filters, err := marshalNullable(op.Filters, len(op.Filters) > 0)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	queryKey, err := marshalNullable(op.QueryKey, op.QueryKey != nil)
	if err != nil {
		return fmt.Errorf("marshal query key: %w", err)
	}
	var optimistic any
	if len(op.OptimisticUpdate) > 0 {
		optimistic = string(op.OptimisticUpdate)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			tbl = excluded.tbl,
			payload = excluded.payload,
			filters = excluded.filters,
			ts = excluded.ts,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			status = excluded.status,
			error = excluded.error,
			query_key = excluded.query_key,
			optimistic_update = excluded.optimistic_update,
			updated_at = excluded.updated_at
	`,
		op.ID, string(op.Type), op.Table, string(op.Payload), filters, op.Timestamp,
		op.RetryCount, op.MaxRetries, string(op.Status), op.Error, queryKey, optimistic, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save mutation %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM mutations WHERE id = ?`, id)
	op, err := scanSQLiteOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return op, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOpts) ([]Operation, error) {
	var where []string
	var args []any
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Table != "" {
		where = append(where, "tbl = ?")
		args = append(args, opts.Table)
	}

	q := `SELECT ` + sqliteColumns + ` FROM mutations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts ASC, id ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanSQLiteOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ClearCompleted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE status = ?`, string(StatusCompleted))
	if err != nil {
		return 0, fmt.Errorf("clear completed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PruneCompleted(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mutations WHERE id IN (
			SELECT id FROM mutations WHERE status = ?
			ORDER BY ts DESC, id DESC
			LIMIT -1 OFFSET ?
		)
	`, string(StatusCompleted), keep)
	if err != nil {
		return 0, fmt.Errorf("prune completed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutations`); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOperation(row sqliteScanner) (*Operation, error) {
	var (
		op                                  Operation
		typ, status, payload                string
		filters, queryKey, optimisticUpdate sql.NullString
	)
	err := row.Scan(
		&op.ID, &typ, &op.Table, &payload, &filters, &op.Timestamp, &op.RetryCount,
		&op.MaxRetries, &status, &op.Error, &queryKey, &optimisticUpdate, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Type = MutationType(typ)
	op.Status = Status(status)
	op.Payload = json.RawMessage(payload)
	if filters.Valid {
		if err := json.Unmarshal([]byte(filters.String), &op.Filters); err != nil {
			return nil, fmt.Errorf("decode filters of %s: %w", op.ID, err)
		}
	}
	if queryKey.Valid {
		if err := json.Unmarshal([]byte(queryKey.String), &op.QueryKey); err != nil {
			return nil, fmt.Errorf("decode query key of %s: %w", op.ID, err)
		}
	}
	if optimisticUpdate.Valid {
		op.OptimisticUpdate = json.RawMessage(optimisticUpdate.String)
	}
	return &op, nil
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
