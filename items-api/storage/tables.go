package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"workstream/items-api/domain"
)

const (
	itemPartition = "item"
	edmDouble     = "Edm.Double"
	edmInt32      = "Edm.Int32"
)

// Tables stores items in an Azure Table. All items share one partition and
// are keyed by id; ParentId is an ordinary property ("" for roots).
type Tables struct {
	table *aztables.Client
	now   func() time.Time
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables creates a Tables store from a storage connection string.
func NewTables(connStr, itemsTable string) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(itemsTable), now: time.Now}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type itemEntity struct {
	entityKeys
	Title             string  `json:"Title"`
	Estimation        float64 `json:"Estimation"`
	EstimationType    string  `json:"Estimation@odata.type,omitempty"`
	EstimationFormat  string  `json:"EstimationFormat"`
	Priority          float64 `json:"Priority"`
	PriorityType      string  `json:"Priority@odata.type,omitempty"`
	ParentID          string  `json:"ParentId"`
	ChildrenCount     int     `json:"ChildrenCount"`
	ChildrenCountType string  `json:"ChildrenCount@odata.type,omitempty"`
	CreatedAt         string  `json:"CreatedAt"`
	StartedAt         string  `json:"StartedAt"`
	LastFilteredAt    string  `json:"LastFilteredAt"`
}

func toEntity(it *domain.Item) itemEntity {
	return itemEntity{
		entityKeys:        entityKeys{PartitionKey: itemPartition, RowKey: it.ID},
		Title:             it.Title,
		Estimation:        it.Estimation.Value(),
		EstimationType:    edmDouble,
		EstimationFormat:  string(it.Estimation.Format()),
		Priority:          it.Priority,
		PriorityType:      edmDouble,
		ParentID:          derefString(it.ParentID),
		ChildrenCount:     it.ChildrenCount,
		ChildrenCountType: edmInt32,
		CreatedAt:         formatTime(&it.CreatedAt),
		StartedAt:         formatTime(it.StartedAt),
		LastFilteredAt:    formatTime(it.LastFilteredAt),
	}
}

func decodeItemEntity(data []byte) (*domain.Item, error) {
	var ent itemEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	est, err := domain.ParseEstimation(ent.EstimationFormat, ent.Estimation)
	if err != nil {
		return nil, err
	}
	it := &domain.Item{
		ID:             ent.RowKey,
		Title:          ent.Title,
		Estimation:     est,
		Priority:       ent.Priority,
		ParentID:       optionalString(ent.ParentID),
		ChildrenCount:  ent.ChildrenCount,
		StartedAt:      parseTime(ent.StartedAt),
		LastFilteredAt: parseTime(ent.LastFilteredAt),
	}
	if created := parseTime(ent.CreatedAt); created != nil {
		it.CreatedAt = *created
	}
	return it, nil
}

// patchProperties renders the properties a merge update should write.
func patchProperties(id string, patch domain.ItemPatch) map[string]any {
	props := map[string]any{
		"PartitionKey": itemPartition,
		"RowKey":       id,
	}
	if patch.Title != nil {
		props["Title"] = *patch.Title
	}
	if patch.Estimation != nil {
		props["Estimation"] = patch.Estimation.Value()
		props["Estimation@odata.type"] = edmDouble
		props["EstimationFormat"] = string(patch.Estimation.Format())
	}
	if patch.Priority != nil {
		props["Priority"] = *patch.Priority
		props["Priority@odata.type"] = edmDouble
	}
	if patch.ChildrenCount != nil {
		props["ChildrenCount"] = *patch.ChildrenCount
		props["ChildrenCount@odata.type"] = edmInt32
	}
	if patch.Parent.Set {
		props["ParentId"] = derefString(patch.Parent.Value)
	}
	if patch.StartedAt.Set {
		props["StartedAt"] = formatTime(patch.StartedAt.Value)
	}
	if patch.LastFilteredAt.Set {
		props["LastFilteredAt"] = formatTime(patch.LastFilteredAt.Value)
	}
	return props
}

func isTableStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func (s *Tables) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	resp, err := s.table.GetEntity(ctx, itemPartition, id, nil)
	if err != nil {
		if isTableStatus(err, http.StatusNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.Unavailable("get item", err)
	}
	it, err := decodeItemEntity(resp.Value)
	if err != nil {
		return nil, domain.Unavailable("decode item", err)
	}
	return it, nil
}

func (s *Tables) AddItem(ctx context.Context, rec domain.NewItemRecord) (*domain.Item, error) {
	it := &domain.Item{
		ID:         uuid.NewString(),
		Title:      rec.Title,
		Estimation: rec.Estimation,
		Priority:   rec.Priority,
		ParentID:   rec.ParentID,
		CreatedAt:  s.now().UTC(),
		StartedAt:  rec.StartedAt,
	}
	payload, err := json.Marshal(toEntity(it))
	if err != nil {
		return nil, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return nil, domain.Unavailable("add item", err)
	}
	return it, nil
}

func (s *Tables) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error) {
	payload, err := json.Marshal(patchProperties(id, patch))
	if err != nil {
		return nil, err
	}
	et := azcore.ETagAny
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if isTableStatus(err, http.StatusNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.Unavailable("update item", err)
	}
	return s.GetItem(ctx, id)
}

func (s *Tables) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.table.DeleteEntity(ctx, itemPartition, id, nil); err != nil {
		if isTableStatus(err, http.StatusNotFound) {
			return domain.ErrNotFound
		}
		return domain.Unavailable("delete item", err)
	}
	return nil
}

func (s *Tables) CountItemsWithParent(ctx context.Context, parentID string) (int, error) {
	filter := contextFilter(&parentID)
	sel := "RowKey"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	n := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, domain.Unavailable("count children", err)
		}
		n += len(resp.Entities)
	}
	return n, nil
}

func (s *Tables) FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*domain.Item, error) {
	items, err := s.ListItems(ctx, domain.ListFilter{ParentID: parentID})
	if err != nil {
		return nil, err
	}
	return firstOf(items), nil
}

func (s *Tables) FindLastByPriorityDesc(ctx context.Context, parentID *string) (*domain.Item, error) {
	items, err := s.ListItems(ctx, domain.ListFilter{ParentID: parentID})
	if err != nil {
		return nil, err
	}
	return lastOf(items), nil
}

// ListItems pages through the table. Table storage cannot order by a
// property, so sorting happens after the scan.
func (s *Tables) ListItems(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	q := "PartitionKey eq '" + itemPartition + "'"
	if !filter.All {
		q = contextFilter(filter.ParentID)
	}
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &q})
	items := []domain.Item{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, domain.Unavailable("list items", err)
		}
		for _, e := range resp.Entities {
			it, err := decodeItemEntity(e)
			if err != nil {
				return nil, domain.Unavailable("decode item", err)
			}
			items = append(items, *it)
		}
	}
	domain.SortItems(items)
	return items, nil
}

// CreateTable creates the items table, tolerating an existing one.
func (s *Tables) CreateTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func contextFilter(parentID *string) string {
	return "PartitionKey eq '" + itemPartition + "' and ParentId eq '" + escapeODataString(derefString(parentID)) + "'"
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
