package report

import (
	"strings"
	"testing"
	"time"
)

func TestStandard_AllCategories(t *testing.T) {
	for _, info := range Categories() {
		sql, _, err := Standard(info.Category, map[string]interface{}{})
		if err != nil {
			t.Errorf("%s: %v", info.Category, err)
			continue
		}
		if !strings.Contains(sql, "FROM canonical_entity") || !strings.Contains(sql, "NOT deleted") {
			t.Errorf("%s: unexpected sql %s", info.Category, sql)
		}
	}
	if _, _, err := Standard("finance", nil); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestStandard_BindsFilters(t *testing.T) {
	sql, args, err := Standard(CategoryDisease, map[string]interface{}{
		"startDate":  "2026-01-01",
		"endDate":    "2026-01-31",
		"facilityId": "F1",
		"disease":    "Cholera",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, frag := range []string{"kind = $1", "occurred_at >= $2", "occurred_at < $3", "facility_id = $4", "lower($5)"} {
		if !strings.Contains(sql, frag) {
			t.Errorf("expected %q in sql:\n%s", frag, sql)
		}
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %v", args)
	}
	if end := args[2].(time.Time); !end.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("endDate should include the whole day, got %v", end)
	}
	if strings.Contains(sql, "Cholera") || strings.Contains(sql, "F1") {
		t.Error("parameter values must not appear in SQL text")
	}
}

func TestStandard_InvalidDates(t *testing.T) {
	if _, _, err := Standard(CategorySummary, map[string]interface{}{"startDate": "01/02/2026"}); err == nil {
		t.Error("expected error for malformed date")
	}
	if _, _, err := Standard(CategorySummary, map[string]interface{}{"startDate": "2026-02-01", "endDate": "2026-01-01"}); err == nil {
		t.Error("expected error for inverted range")
	}
}
