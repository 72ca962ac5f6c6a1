package report

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/internal/platform/reporting"
)

var (
	analyst = auth.Caller{UserID: "analyst-1", Roles: []string{auth.RoleAnalyst}}
	other   = auth.Caller{UserID: "analyst-2", Roles: []string{auth.RoleAnalyst}}
	admin   = auth.Caller{UserID: "admin-1", Roles: []string{auth.RoleAdmin}}
)

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Definition
	seq   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Definition)}
}

func (m *mockRepo) Create(_ context.Context, d *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	d.CreatedAt = time.Date(2026, 1, 1, 0, 0, m.seq, 0, time.UTC)
	d.UpdatedAt = d.CreatedAt
	c := *d
	m.store[d.ID] = &c
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok || d.DeletedAt != nil {
		return nil, ErrReportNotFound
	}
	c := *d
	return &c, nil
}

func (m *mockRepo) Update(_ context.Context, d *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[d.ID]; !ok {
		return ErrReportNotFound
	}
	c := *d
	m.store[d.ID] = &c
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok || d.DeletedAt != nil {
		return ErrReportNotFound
	}
	now := time.Now()
	d.DeletedAt = &now
	return nil
}

func (m *mockRepo) Search(_ context.Context, f Filters, limit, offset int) ([]*Definition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Definition
	for _, d := range m.store {
		if d.DeletedAt != nil ||
			(f.Title != "" && !strings.Contains(strings.ToLower(d.Title), strings.ToLower(f.Title))) ||
			(f.Type != "" && d.Type != f.Type) ||
			(f.Category != "" && d.category() != f.Category) ||
			(f.CreatedBy != "" && d.CreatedBy != f.CreatedBy) {
			continue
		}
		c := *d
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) MarkRun(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok {
		return ErrReportNotFound
	}
	d.LastRunAt = &at
	return nil
}

// mockRunner records the last query and returns a canned result or error.
type mockRunner struct {
	sql  string
	args []interface{}
	err  error
	rows []map[string]interface{}
}

func (r *mockRunner) Query(_ context.Context, sql string, args ...interface{}) (*reporting.Result, error) {
	r.sql, r.args = sql, args
	if r.err != nil {
		return nil, r.err
	}
	return &reporting.Result{Rows: r.rows, Columns: []string{"n"}, RowCount: len(r.rows), Duration: 3 * time.Millisecond}, nil
}

func newTestService() (*Service, *mockRepo, *mockRunner) {
	repo, runner := newMockRepo(), &mockRunner{rows: []map[string]interface{}{{"n": int64(1)}}}
	return NewService(repo, runner, zerolog.Nop(), nil), repo, runner
}

func customInput() CreateInput {
	return CreateInput{
		Title:      "Cases by facility",
		Type:       "custom",
		Query:      "SELECT COUNT(*) AS n FROM canonical_entity WHERE facility_id = :facilityId LIMIT :limit",
		Parameters: map[string]interface{}{"facilityId": "F0", "limit": 10.0},
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	tests := []CreateInput{
		{Title: "", Type: "custom", Query: "SELECT 1"},
		{Title: "x", Type: "pivot"},
		{Title: "x", Type: "standard"},
		{Title: "x", Type: "standard", Category: "finance"},
		{Title: "x", Type: "custom"},
		{Title: "x", Type: "custom", Query: "SELECT 'open"},
		{Title: "x", Type: "custom", Query: "SELECT #{c} FROM canonical_entity", Parameters: map[string]interface{}{"c": "pg_shadow"}},
	}
	for _, in := range tests {
		_, err := svc.Create(context.Background(), in, analyst.UserID)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Create(%+v) = %v, want ValidationError", in, err)
		}
	}
}

func TestCreate_Standard(t *testing.T) {
	svc, _, _ := newTestService()
	d, err := svc.Create(context.Background(), CreateInput{Title: "Maternal", Type: "Standard", Category: "MATERNAL"}, analyst.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Type != TypeStandard || d.category() != CategoryMaternal || d.CreatedBy != analyst.UserID {
		t.Errorf("unexpected definition: %+v", d)
	}
}

func TestRun_ParameterMerge(t *testing.T) {
	svc, _, runner := newTestService()
	d, err := svc.Create(context.Background(), customInput(), analyst.UserID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Run(context.Background(), d.ID, map[string]interface{}{"facilityId": "F1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parameters["facilityId"] != "F1" || res.Parameters["limit"] != 10.0 {
		t.Errorf("merged parameters = %v", res.Parameters)
	}
	if len(runner.args) != 2 || runner.args[0] != "F1" || runner.args[1] != int64(10) {
		t.Errorf("bound args = %#v", runner.args)
	}
	if !strings.Contains(runner.sql, "facility_id = $1 LIMIT $2") {
		t.Errorf("sql = %s", runner.sql)
	}
	if res.RowCount != 1 || res.DurationMs != 3 || res.Report.LastRunAt == nil {
		t.Errorf("unexpected result: %+v", res)
	}

	stored, _ := svc.Get(context.Background(), d.ID)
	if stored.Parameters["facilityId"] != "F0" {
		t.Error("run must not change stored defaults")
	}
}

func TestRun_Standard(t *testing.T) {
	svc, _, runner := newTestService()
	d, _ := svc.Create(context.Background(), CreateInput{Title: "Summary", Type: "standard", Category: "summary"}, analyst.UserID)
	if _, err := svc.Run(context.Background(), d.ID, map[string]interface{}{"facilityId": "F1"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(runner.sql, "GROUP BY kind") || len(runner.args) != 1 {
		t.Errorf("unexpected query %s %v", runner.sql, runner.args)
	}
}

func TestRun_FailureLeavesDefinitionUntouched(t *testing.T) {
	svc, repo, runner := newTestService()
	d, _ := svc.Create(context.Background(), customInput(), analyst.UserID)
	runner.err = &reporting.QueryError{Code: "42703", Message: `column "x" does not exist`}

	_, err := svc.Run(context.Background(), d.ID, nil)
	var qe *reporting.QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("got %v, want QueryError", err)
	}
	if repo.store[d.ID].LastRunAt != nil {
		t.Error("lastRunAt must only move on success")
	}
}

func TestRun_MissingParameter(t *testing.T) {
	svc, _, runner := newTestService()
	in := customInput()
	in.Parameters = nil
	d, err := svc.Create(context.Background(), in, analyst.UserID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Run(context.Background(), d.ID, map[string]interface{}{"facilityId": "F1"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "parameters.limit" {
		t.Errorf("got %v, want missing limit", err)
	}
	if runner.sql != "" {
		t.Error("nothing should run when a parameter is missing")
	}
}

func TestUpdateAndDelete_Authorization(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	d, _ := svc.Create(ctx, customInput(), analyst.UserID)

	title := "Renamed"
	if _, err := svc.Update(ctx, d.ID, UpdateInput{Title: &title}, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("other analyst update: got %v, want ErrForbidden", err)
	}
	updated, err := svc.Update(ctx, d.ID, UpdateInput{Title: &title}, admin)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != title || updated.Query == nil {
		t.Errorf("update should only touch provided fields: %+v", updated)
	}

	empty := ""
	if _, err := svc.Update(ctx, d.ID, UpdateInput{Query: &empty}, analyst); err == nil {
		t.Error("clearing the query of a custom report must fail")
	}

	if err := svc.Delete(ctx, d.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("other analyst delete: got %v, want ErrForbidden", err)
	}
	if err := svc.Delete(ctx, d.ID, analyst); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, d.ID); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("deleted report: got %v, want ErrReportNotFound", err)
	}
}

func TestSearch(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	first, _ := svc.Create(ctx, customInput(), analyst.UserID)
	second, _ := svc.Create(ctx, CreateInput{Title: "Maternal monthly", Type: "standard", Category: "maternal"}, other.UserID)

	items, total, err := svc.Search(ctx, Filters{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].ID != second.ID || items[1].ID != first.ID {
		t.Errorf("expected newest first, got %d items", total)
	}

	items, total, _ = svc.Search(ctx, Filters{Category: "Maternal"}, 10, 0)
	if total != 1 || items[0].ID != second.ID {
		t.Errorf("category filter: got %d", total)
	}
	_, total, _ = svc.Search(ctx, Filters{CreatedBy: analyst.UserID, Type: "custom"}, 10, 0)
	if total != 1 {
		t.Errorf("creator filter: got %d", total)
	}
}
