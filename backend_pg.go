package mutationq

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend replays mutations directly against a Postgres database.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a backend from an existing connection pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Ping checks that the database is reachable.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *PostgresBackend) Insert(ctx context.Context, table string, rows []Row, returning string) ([]Row, error) {
	sql, args, err := buildInsert(table, rows, returning)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, "insert into "+table, sql, args, returning != "")
}

func (b *PostgresBackend) Update(ctx context.Context, table string, set Row, filters map[string]any, returning string) ([]Row, error) {
	sql, args, err := buildUpdate(table, set, filters, returning)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, "update "+table, sql, args, returning != "")
}

func (b *PostgresBackend) Delete(ctx context.Context, table string, filters map[string]any, returning string) ([]Row, error) {
	sql, args, err := buildDelete(table, filters, returning)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, "delete from "+table, sql, args, returning != "")
}

func (b *PostgresBackend) Upsert(ctx context.Context, table string, rows []Row, onConflict, returning string) ([]Row, error) {
	sql, args, err := buildUpsert(table, rows, onConflict, returning)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, "upsert into "+table, sql, args, returning != "")
}

func (b *PostgresBackend) RPC(ctx context.Context, function string, params map[string]any) (json.RawMessage, error) {
	sql, args, err := buildRPC(function, params)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := b.pool.QueryRow(ctx, sql, args...).Scan(&out); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", function, err)
	}
	return json.RawMessage(out), nil
}

func (b *PostgresBackend) run(ctx context.Context, what, sql string, args []any, returning bool) ([]Row, error) {
	if !returning {
		if _, err := b.pool.Exec(ctx, sql, args...); err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		return nil, nil
	}

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}

func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// columnList quotes a comma separated column list.
func columnList(cols string) ([]string, error) {
	var out []string
	for _, c := range strings.Split(cols, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, ident(c))
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "columns", Reason: fmt.Sprintf("empty column list %q", cols)}
	}
	return out, nil
}

func returningClause(returning string) (string, error) {
	switch strings.TrimSpace(returning) {
	case "":
		return "", nil
	case "*":
		return " RETURNING *", nil
	}
	cols, err := columnList(returning)
	if err != nil {
		return "", err
	}
	return " RETURNING " + strings.Join(cols, ", "), nil
}

// rowColumns returns the sorted union of the keys of rows.
func rowColumns(rows []Row) []string {
	set := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// whereClause renders equality predicates in key order, IS NULL for nils.
func whereClause(filters map[string]any, args []any) (string, []any) {
	parts := make([]string, 0, len(filters))
	for _, k := range slices.Sorted(maps.Keys(filters)) {
		v := filters[k]
		if v == nil {
			parts = append(parts, ident(k)+" IS NULL")
			continue
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = $%d", ident(k), len(args)))
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func insertPrefix(table string, rows []Row) (string, []string, []any, error) {
	if len(rows) == 0 {
		return "", nil, nil, &ValidationError{Field: "payload", Reason: "at least one row is required"}
	}
	cols := rowColumns(rows)
	if len(cols) == 0 {
		return "", nil, nil, &ValidationError{Field: "payload", Reason: "rows have no columns"}
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", ident(table), strings.Join(quoted, ", "))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, ok := r[c]
			if !ok {
				sb.WriteString("DEFAULT")
				continue
			}
			args = append(args, v)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteByte(')')
	}
	return sb.String(), cols, args, nil
}

func buildInsert(table string, rows []Row, returning string) (string, []any, error) {
	sql, _, args, err := insertPrefix(table, rows)
	if err != nil {
		return "", nil, err
	}
	ret, err := returningClause(returning)
	if err != nil {
		return "", nil, err
	}
	return sql + ret, args, nil
}

func buildUpdate(table string, set Row, filters map[string]any, returning string) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, &ValidationError{Field: "payload", Reason: "payload has no columns"}
	}
	if len(filters) == 0 {
		return "", nil, &ValidationError{Field: "filters", Reason: "update mutations require filters"}
	}

	var args []any
	assignments := make([]string, 0, len(set))
	for _, k := range slices.Sorted(maps.Keys(set)) {
		args = append(args, set[k])
		assignments = append(assignments, fmt.Sprintf("%s = $%d", ident(k), len(args)))
	}
	where, args := whereClause(filters, args)
	ret, err := returningClause(returning)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("UPDATE %s SET %s%s%s", ident(table), strings.Join(assignments, ", "), where, ret), args, nil
}

func buildDelete(table string, filters map[string]any, returning string) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, &ValidationError{Field: "filters", Reason: "delete mutations require filters"}
	}
	where, args := whereClause(filters, nil)
	ret, err := returningClause(returning)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + ident(table) + where + ret, args, nil
}

func buildUpsert(table string, rows []Row, onConflict, returning string) (string, []any, error) {
	sql, cols, args, err := insertPrefix(table, rows)
	if err != nil {
		return "", nil, err
	}
	target, err := columnList(onConflict)
	if err != nil {
		return "", nil, err
	}

	conflict := map[string]bool{}
	for _, c := range strings.Split(onConflict, ",") {
		conflict[strings.TrimSpace(c)] = true
	}
	var updates []string
	for _, c := range cols {
		if conflict[c] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
	}

	sql += " ON CONFLICT (" + strings.Join(target, ", ") + ")"
	if len(updates) == 0 {
		sql += " DO NOTHING"
	} else {
		sql += " DO UPDATE SET " + strings.Join(updates, ", ")
	}

	ret, err := returningClause(returning)
	if err != nil {
		return "", nil, err
	}
	return sql + ret, args, nil
}

func buildRPC(function string, params map[string]any) (string, []any, error) {
	if function == "" {
		return "", nil, &ValidationError{Field: "payload", Reason: "rpc mutations require a function name"}
	}
	var args []any
	named := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		args = append(args, params[k])
		named = append(named, fmt.Sprintf("%s => $%d", ident(k), len(args)))
	}
	sql := fmt.Sprintf("SELECT coalesce(jsonb_agg(r), '[]'::jsonb) FROM %s(%s) AS r", ident(function), strings.Join(named, ", "))
	return sql, args, nil
}
