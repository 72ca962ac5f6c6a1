package report

import (
	"fmt"
	"strings"
	"time"
)

// CategoryInfo describes one standard report category.
type CategoryInfo struct {
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
}

type generator func(params map[string]interface{}) (string, []interface{}, error)

type standardReport struct {
	info CategoryInfo
	gen  generator
}

var commonParams = []string{"startDate", "endDate", "facilityId"}

var standardReports = map[string]standardReport{
	CategoryMaternal: {
		info: CategoryInfo{CategoryMaternal, "Maternal health",
			"Antenatal visits, mothers seen and births per facility", commonParams},
		gen: maternalReport,
	},
	CategoryChild: {
		info: CategoryInfo{CategoryChild, "Child immunization",
			"Doses administered and children reached per vaccine", commonParams},
		gen: childReport,
	},
	CategoryDisease: {
		info: CategoryInfo{CategoryDisease, "Notifiable diseases",
			"Cases and deaths per disease with first and last onset",
			append(append([]string{}, commonParams...), "disease")},
		gen: diseaseReport,
	},
	CategoryFacility: {
		info: CategoryInfo{CategoryFacility, "Facility activity",
			"Records captured per facility and entity kind", commonParams},
		gen: facilityReport,
	},
	CategorySummary: {
		info: CategoryInfo{CategorySummary, "Summary",
			"Totals per entity kind across facilities", commonParams},
		gen: summaryReport,
	},
}

var categoryOrder = []string{CategoryMaternal, CategoryChild, CategoryDisease, CategoryFacility, CategorySummary}

// Categories lists the standard report categories.
func Categories() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		out = append(out, standardReports[c].info)
	}
	return out
}

func validCategory(c string) bool {
	_, ok := standardReports[c]
	return ok
}

// Standard builds the query of a standard category.
func Standard(category string, params map[string]interface{}) (string, []interface{}, error) {
	r, ok := standardReports[category]
	if !ok {
		return "", nil, invalid("category", fmt.Sprintf("unsupported report category %q", category))
	}
	return r.gen(params)
}

// scope collects the WHERE clause shared by the standard reports.
type scope struct {
	conds []string
	args  []interface{}
}

func newScope(params map[string]interface{}, kinds ...string) (*scope, error) {
	s := &scope{conds: []string{"NOT deleted"}}
	if len(kinds) == 1 {
		s.conds = append(s.conds, "kind = "+s.bind(kinds[0]))
	} else if len(kinds) > 1 {
		s.conds = append(s.conds, "kind = ANY("+s.bind(kinds)+")")
	}

	start, err := dateParam(params, "startDate")
	if err != nil {
		return nil, err
	}
	end, err := dateParam(params, "endDate")
	if err != nil {
		return nil, err
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, invalid("parameters.endDate", "endDate is before startDate")
	}
	if start != nil {
		s.conds = append(s.conds, "occurred_at >= "+s.bind(*start))
	}
	if end != nil {
		// endDate is inclusive of the whole day.
		s.conds = append(s.conds, "occurred_at < "+s.bind(end.AddDate(0, 0, 1)))
	}
	if f, err := stringParam(params, "facilityId"); err != nil {
		return nil, err
	} else if f != "" {
		s.conds = append(s.conds, "facility_id = "+s.bind(f))
	}
	return s, nil
}

func (s *scope) bind(v interface{}) string {
	s.args = append(s.args, v)
	return fmt.Sprintf("$%d", len(s.args))
}

func (s *scope) where() string {
	return "WHERE " + strings.Join(s.conds, " AND ")
}

func dateParam(params map[string]interface{}, name string) (*time.Time, error) {
	v, ok := params[name]
	if !ok || v == nil || v == "" {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, invalid("parameters."+name, "must be a date string")
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &t, nil
		}
	}
	return nil, invalid("parameters."+name, "must be YYYY-MM-DD")
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("parameters."+name, "must be a string")
	}
	return strings.TrimSpace(s), nil
}

func maternalReport(params map[string]interface{}) (string, []interface{}, error) {
	s, err := newScope(params, "antenatal_visit", "birth")
	if err != nil {
		return "", nil, err
	}
	return `SELECT facility_id,
		COUNT(*) FILTER (WHERE kind = 'antenatal_visit') AS antenatal_visits,
		COUNT(DISTINCT data->>'patientId') FILTER (WHERE kind = 'antenatal_visit') AS mothers_seen,
		COUNT(*) FILTER (WHERE kind = 'birth') AS births,
		COUNT(*) FILTER (WHERE kind = 'birth' AND data->>'outcome' = 'stillbirth') AS stillbirths
	FROM canonical_entity ` + s.where() + `
	GROUP BY facility_id
	ORDER BY facility_id`, s.args, nil
}

func childReport(params map[string]interface{}) (string, []interface{}, error) {
	s, err := newScope(params, "immunization")
	if err != nil {
		return "", nil, err
	}
	return `SELECT data->>'vaccine' AS vaccine,
		COUNT(*) AS doses,
		COUNT(DISTINCT data->>'patientId') AS children
	FROM canonical_entity ` + s.where() + `
	GROUP BY 1
	ORDER BY 1`, s.args, nil
}

func diseaseReport(params map[string]interface{}) (string, []interface{}, error) {
	s, err := newScope(params, "disease_case")
	if err != nil {
		return "", nil, err
	}
	if d, err := stringParam(params, "disease"); err != nil {
		return "", nil, err
	} else if d != "" {
		s.conds = append(s.conds, "lower(data->>'disease') = lower("+s.bind(d)+")")
	}
	return `SELECT data->>'disease' AS disease,
		COUNT(*) AS cases,
		COUNT(*) FILTER (WHERE data->>'outcome' = 'died') AS deaths,
		MIN(occurred_at) AS first_onset,
		MAX(occurred_at) AS last_onset
	FROM canonical_entity ` + s.where() + `
	GROUP BY 1
	ORDER BY cases DESC, 1`, s.args, nil
}

func facilityReport(params map[string]interface{}) (string, []interface{}, error) {
	s, err := newScope(params)
	if err != nil {
		return "", nil, err
	}
	s.conds = append(s.conds, "kind <> 'facility'")
	return `SELECT facility_id, kind, COUNT(*) AS records, MAX(updated_at) AS last_activity
	FROM canonical_entity ` + s.where() + `
	GROUP BY facility_id, kind
	ORDER BY facility_id, kind`, s.args, nil
}

func summaryReport(params map[string]interface{}) (string, []interface{}, error) {
	s, err := newScope(params)
	if err != nil {
		return "", nil, err
	}
	return `SELECT kind, COUNT(*) AS records, COUNT(DISTINCT facility_id) AS facilities
	FROM canonical_entity ` + s.where() + `
	GROUP BY kind
	ORDER BY kind`, s.args, nil
}
