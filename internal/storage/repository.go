package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"flatmates/internal/sheets"

	_ "modernc.org/sqlite"
)

// SQLiteRepository keeps each ledger table in an SQL table whose columns
// are named after the ledger headers. Row order is insertion order.
type SQLiteRepository struct {
	db   *sql.DB
	seed []string
}

var (
	_ sheets.Store       = (*SQLiteRepository)(nil)
	_ sheets.Initializer = (*SQLiteRepository)(nil)
)

func NewSQLiteRepository(dbPath string, seed ...string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite allows a single writer; serialize at the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, seed: seed}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Setup seeds the roster. Tables are created by migrations.
func (r *SQLiteRepository) Setup(ctx context.Context) error {
	return sheets.SeedDefaults(ctx, r, r.seed...)
}

func (r *SQLiteRepository) ReadTable(ctx context.Context, t sheets.Table) ([]sheets.Row, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown table %q", t)
	}
	cols := t.Headers()
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(cols, ", "), t)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t, err)
	}
	defer rows.Close()

	var out []sheets.Row
	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t, err)
		}
		row := make(sheets.Row, len(cols))
		for i, c := range cells {
			row[i] = c.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t, err)
	}
	return out, nil
}

func (r *SQLiteRepository) AppendRow(ctx context.Context, t sheets.Table, row sheets.Row) error {
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	if _, err := r.db.ExecContext(ctx, insertSQL(t), cellArgs(t, row)...); err != nil {
		return fmt.Errorf("insert into %s: %w", t, err)
	}
	return nil
}

// OverwriteTable replaces the table contents in a single transaction. The
// schema is fixed by migrations, so headers are not stored.
func (r *SQLiteRepository) OverwriteTable(ctx context.Context, t sheets.Table, _ []string, rows []sheets.Row) error {
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
		return fmt.Errorf("clear %s: %w", t, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(t))
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", t, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, cellArgs(t, row)...); err != nil {
			return fmt.Errorf("insert into %s: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", t, err)
	}
	slog.DebugContext(ctx, "Table overwritten", "table", t.String(), "rows", len(rows))
	return nil
}

func insertSQL(t sheets.Table) string {
	cols := t.Headers()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t, strings.Join(cols, ", "), marks)
}

func cellArgs(t sheets.Table, row sheets.Row) []any {
	row = sheets.Normalize(row, len(t.Headers()))
	args := make([]any, len(row))
	for i, v := range row {
		args[i] = v
	}
	return args
}
