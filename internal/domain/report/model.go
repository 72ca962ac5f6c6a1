package report

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeStandard = "standard"
	TypeCustom   = "custom"
)

const (
	CategoryMaternal = "maternal"
	CategoryChild    = "child"
	CategoryDisease  = "disease"
	CategoryFacility = "facility"
	CategorySummary  = "summary"
)

var (
	ErrReportNotFound = errors.New("report not found")
	ErrForbidden      = errors.New("only the report's creator or an admin may change it")
)

// ValidationError rejects a malformed definition or run.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Definition is a stored report: a standard category or a custom query
// template, plus default parameters.
type Definition struct {
	ID          uuid.UUID              `json:"id"`
	Title       string                 `json:"title"`
	Description *string                `json:"description,omitempty"`
	Type        string                 `json:"type"`
	Category    *string                `json:"category,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
	Query       *string                `json:"query,omitempty"`
	CreatedBy   string                 `json:"createdBy"`
	LastRunAt   *time.Time             `json:"lastRunAt,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	DeletedAt   *time.Time             `json:"-"`
}

func (d *Definition) category() string {
	if d.Category == nil {
		return ""
	}
	return *d.Category
}

type CreateInput struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Type        string                 `json:"type"`
	Category    string                 `json:"category,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Query       string                 `json:"query,omitempty"`
}

// UpdateInput overwrites the fields that are set.
type UpdateInput struct {
	Title       *string                `json:"title,omitempty"`
	Description *string                `json:"description,omitempty"`
	Type        *string                `json:"type,omitempty"`
	Category    *string                `json:"category,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Query       *string                `json:"query,omitempty"`
}

type Filters struct {
	Title     string
	Type      string
	Category  string
	CreatedBy string
}

// RunResult is one execution of a report.
type RunResult struct {
	Report     *Definition              `json:"report"`
	Parameters map[string]interface{}   `json:"parameters"`
	Columns    []string                 `json:"columns"`
	Results    []map[string]interface{} `json:"results"`
	RowCount   int                      `json:"rowCount"`
	Truncated  bool                     `json:"truncated"`
	ExecutedAt time.Time                `json:"executedAt"`
	DurationMs int64                    `json:"durationMs"`
}

// MergeParams overlays supplied on the stored defaults; supplied wins.
func MergeParams(defaults, supplied map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(supplied))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range supplied {
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
