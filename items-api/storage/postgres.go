package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workstream/items-api/domain"
)

// Postgres is a PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a Postgres store over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

// OpenPostgres connects a pool to url.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewPostgres(pool), nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the items table and its sibling index if missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS items (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			estimation        DOUBLE PRECISION NOT NULL DEFAULT 0,
			estimation_format TEXT NOT NULL DEFAULT 'points',
			priority          DOUBLE PRECISION NOT NULL DEFAULT 0,
			parent_id         TEXT,
			children_count    INTEGER NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL,
			started_at        TIMESTAMPTZ,
			last_filtered_at  TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_items_parent_priority ON items(parent_id, priority)`)
	return err
}

func (s *Postgres) scanOne(ctx context.Context, query string, args ...any) (*domain.Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return it, err
}

func scanPgItem(row rowScanner) (*domain.Item, error) {
	var r itemRow
	var created time.Time
	var started, filtered *time.Time
	if err := row.Scan(&r.id, &r.title, &r.estimation, &r.format, &r.priority, &r.parentID, &r.childrenCount, &created, &started, &filtered); err != nil {
		return nil, err
	}
	return r.toItem(created, started, filtered)
}

func (s *Postgres) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	it, err := s.scanOne(ctx, "SELECT "+itemColumns+" FROM items WHERE id = $1", id)
	if err != nil {
		return nil, domain.Unavailable("get item", err)
	}
	return it, nil
}

func (s *Postgres) AddItem(ctx context.Context, rec domain.NewItemRecord) (*domain.Item, error) {
	it := &domain.Item{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Title:      rec.Title,
		Estimation: rec.Estimation,
		Priority:   rec.Priority,
		ParentID:   rec.ParentID,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
		StartedAt:  rec.StartedAt,
	}
	if _, err := s.pool.Exec(ctx, postgresDialect.insertQuery(), postgresDialect.insertArgs(it)...); err != nil {
		return nil, domain.Unavailable("add item", err)
	}
	return it, nil
}

func (s *Postgres) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error) {
	set, args := postgresDialect.buildSet(patch)
	if set == "" {
		return s.GetItem(ctx, id)
	}
	args = append(args, id)
	query := "UPDATE items SET " + set + " WHERE id = " + postgresDialect.placeholder(len(args)) + " RETURNING " + itemColumns
	it, err := s.scanOne(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("update item", err)
	}
	return it, nil
}

func (s *Postgres) DeleteItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM items WHERE id = $1", id)
	if err != nil {
		return domain.Unavailable("delete item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) CountItemsWithParent(ctx context.Context, parentID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM items WHERE parent_id = $1", parentID).Scan(&n); err != nil {
		return 0, domain.Unavailable("count children", err)
	}
	return n, nil
}

func (s *Postgres) findEdge(ctx context.Context, parentID *string, order string) (*domain.Item, error) {
	query, args := postgresDialect.edgeQuery(parentID, order)
	it, err := s.scanOne(ctx, query, args...)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("find sibling", err)
	}
	return it, nil
}

func (s *Postgres) FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return s.findEdge(ctx, parentID, siblingOrder)
}

func (s *Postgres) FindLastByPriorityDesc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return s.findEdge(ctx, parentID, siblingOrderDesc)
}

func (s *Postgres) ListItems(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	query, args := postgresDialect.listQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list items", err)
	}
	defer rows.Close()
	items := []domain.Item{}
	for rows.Next() {
		it, err := scanPgItem(rows)
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
