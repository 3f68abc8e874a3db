package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"workstream/items-api/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
    id                TEXT PRIMARY KEY,
    title             TEXT NOT NULL,
    estimation        REAL NOT NULL DEFAULT 0,
    estimation_format TEXT NOT NULL DEFAULT 'points',
    priority          REAL NOT NULL DEFAULT 0,
    parent_id         TEXT,
    children_count    INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL,
    started_at        TEXT,
    last_filtered_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_items_parent_priority ON items(parent_id, priority);
`

// SQLite is a single-file Store backed by modernc.org/sqlite.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &SQLite{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the items table if missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func scanSQLiteItem(row rowScanner) (*domain.Item, error) {
	var r itemRow
	var parent, created, started, filtered sql.NullString
	if err := row.Scan(&r.id, &r.title, &r.estimation, &r.format, &r.priority, &parent, &r.childrenCount, &created, &started, &filtered); err != nil {
		return nil, err
	}
	if parent.Valid {
		r.parentID = &parent.String
	}
	createdAt, err := time.Parse(sqliteTimeLayout, created.String)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	startedAt, err := parseNullTime("started_at", started)
	if err != nil {
		return nil, err
	}
	filteredAt, err := parseNullTime("last_filtered_at", filtered)
	if err != nil {
		return nil, err
	}
	return r.toItem(createdAt, startedAt, filteredAt)
}

func parseNullTime(column string, v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", column, err)
	}
	return &t, nil
}

func (s *SQLite) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get item", err)
	}
	return it, nil
}

func (s *SQLite) AddItem(ctx context.Context, rec domain.NewItemRecord) (*domain.Item, error) {
	it := &domain.Item{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Title:      rec.Title,
		Estimation: rec.Estimation,
		Priority:   rec.Priority,
		ParentID:   rec.ParentID,
		CreatedAt:  s.now().UTC(),
		StartedAt:  rec.StartedAt,
	}
	if _, err := s.db.ExecContext(ctx, sqliteDialect.insertQuery(), sqliteDialect.insertArgs(it)...); err != nil {
		return nil, domain.Unavailable("add item", err)
	}
	return it, nil
}

func (s *SQLite) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error) {
	set, args := sqliteDialect.buildSet(patch)
	if set != "" {
		res, err := s.db.ExecContext(ctx, "UPDATE items SET "+set+" WHERE id = ?", append(args, id)...)
		if err != nil {
			return nil, domain.Unavailable("update item", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, domain.ErrNotFound
		}
	}
	return s.GetItem(ctx, id)
}

func (s *SQLite) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return domain.Unavailable("delete item", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) CountItemsWithParent(ctx context.Context, parentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE parent_id = ?", parentID).Scan(&n); err != nil {
		return 0, domain.Unavailable("count children", err)
	}
	return n, nil
}

func (s *SQLite) findEdge(ctx context.Context, parentID *string, order string) (*domain.Item, error) {
	query, args := sqliteDialect.edgeQuery(parentID, order)
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("find sibling", err)
	}
	return it, nil
}

func (s *SQLite) FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return s.findEdge(ctx, parentID, siblingOrder)
}

func (s *SQLite) FindLastByPriorityDesc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return s.findEdge(ctx, parentID, siblingOrderDesc)
}

func (s *SQLite) ListItems(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	query, args := sqliteDialect.listQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list items", err)
	}
	defer rows.Close()
	items := []domain.Item{}
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, domain.Unavailable("list items", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list items", err)
	}
	return items, nil
}
