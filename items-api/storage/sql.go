package storage

import (
	"fmt"
	"strings"
	"time"

	"workstream/items-api/domain"
)

const itemColumns = "id, title, estimation, estimation_format, priority, parent_id, children_count, created_at, started_at, last_filtered_at"

const siblingOrder = "priority ASC, created_at ASC, id ASC"

const siblingOrderDesc = "priority DESC, created_at DESC, id DESC"

// dialect captures what differs between the SQL backends: placeholder
// syntax and how timestamps are bound.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t *time.Time) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.UTC().Truncate(time.Microsecond)
	},
}

// sqliteTimeLayout is fixed width so text comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.UTC().Format(sqliteTimeLayout)
	},
}

// buildSet renders the SET clause for patch, numbering placeholders from 1.
// An empty clause means the patch writes nothing.
func (d dialect) buildSet(patch domain.ItemPatch) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, column+" = "+d.placeholder(len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Estimation != nil {
		add("estimation", patch.Estimation.Value())
		add("estimation_format", string(patch.Estimation.Format()))
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.ChildrenCount != nil {
		add("children_count", *patch.ChildrenCount)
	}
	if patch.Parent.Set {
		if patch.Parent.Value == nil {
			add("parent_id", nil)
		} else {
			add("parent_id", *patch.Parent.Value)
		}
	}
	if patch.StartedAt.Set {
		add("started_at", d.timeArg(patch.StartedAt.Value))
	}
	if patch.LastFilteredAt.Set {
		add("last_filtered_at", d.timeArg(patch.LastFilteredAt.Value))
	}
	return strings.Join(sets, ", "), args
}

// contextWhere renders the WHERE clause selecting a sibling context, with
// placeholders numbered from next.
func (d dialect) contextWhere(parentID *string, next int) (string, []any) {
	if parentID == nil {
		return "parent_id IS NULL", nil
	}
	return "parent_id = " + d.placeholder(next), []any{*parentID}
}

func (d dialect) listQuery(filter domain.ListFilter) (string, []any) {
	if filter.All {
		return "SELECT " + itemColumns + " FROM items ORDER BY " + siblingOrder, nil
	}
	where, args := d.contextWhere(filter.ParentID, 1)
	return "SELECT " + itemColumns + " FROM items WHERE " + where + " ORDER BY " + siblingOrder, args
}

func (d dialect) edgeQuery(parentID *string, order string) (string, []any) {
	where, args := d.contextWhere(parentID, 1)
	return "SELECT " + itemColumns + " FROM items WHERE " + where + " ORDER BY " + order + " LIMIT 1", args
}

func (d dialect) insertArgs(it *domain.Item) []any {
	var parent any
	if it.ParentID != nil {
		parent = *it.ParentID
	}
	return []any{
		it.ID, it.Title, it.Estimation.Value(), string(it.Estimation.Format()), it.Priority,
		parent, it.ChildrenCount, d.timeArg(&it.CreatedAt), d.timeArg(it.StartedAt), d.timeArg(it.LastFilteredAt),
	}
}

func (d dialect) insertQuery() string {
	ph := make([]string, 10)
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	return "INSERT INTO items (" + itemColumns + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

type rowScanner interface {
	Scan(dest ...any) error
}

// itemRow holds the nullable columns of one items row before conversion.
type itemRow struct {
	id            string
	title         string
	estimation    float64
	format        string
	priority      float64
	parentID      *string
	childrenCount int
}

func (r *itemRow) toItem(created time.Time, started, filtered *time.Time) (*domain.Item, error) {
	est, err := domain.ParseEstimation(r.format, r.estimation)
	if err != nil {
		return nil, err
	}
	return &domain.Item{
		ID:             r.id,
		Title:          r.title,
		Estimation:     est,
		Priority:       r.priority,
		ParentID:       r.parentID,
		ChildrenCount:  r.childrenCount,
		CreatedAt:      created.UTC(),
		StartedAt:      utcPtr(started),
		LastFilteredAt: utcPtr(filtered),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
