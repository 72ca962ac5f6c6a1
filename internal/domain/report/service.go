package report

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/internal/platform/reporting"
	"github.com/hmis/hmis/internal/platform/telemetry"
)

// Runner executes a compiled report query; *reporting.Executor in
// production.
type Runner interface {
	Query(ctx context.Context, sql string, args ...interface{}) (*reporting.Result, error)
}

type Service struct {
	repo    Repository
	runner  Runner
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewService(repo Repository, runner Runner, logger zerolog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		repo:    repo,
		runner:  runner,
		logger:  logger.With().Str("component", "report").Logger(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput, creatorID string) (*Definition, error) {
	d := &Definition{
		ID:          uuid.New(),
		Title:       strings.TrimSpace(in.Title),
		Description: optional(in.Description),
		Type:        strings.ToLower(strings.TrimSpace(in.Type)),
		Category:    optional(strings.ToLower(in.Category)),
		Parameters:  in.Parameters,
		Query:       optional(in.Query),
		CreatedBy:   creatorID,
	}
	if d.Parameters == nil {
		d.Parameters = map[string]interface{}{}
	}
	if err := validate(d); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info().Str("report_id", d.ID.String()).Str("type", d.Type).Str("by", creatorID).Msg("report created")
	return d, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, caller auth.Caller) (*Definition, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(d.CreatedBy) {
		return nil, ErrForbidden
	}
	if in.Title != nil {
		d.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		d.Description = optional(*in.Description)
	}
	if in.Type != nil {
		d.Type = strings.ToLower(strings.TrimSpace(*in.Type))
	}
	if in.Category != nil {
		d.Category = optional(strings.ToLower(*in.Category))
	}
	if in.Query != nil {
		d.Query = optional(*in.Query)
	}
	if in.Parameters != nil {
		d.Parameters = in.Parameters
	}
	if err := validate(d); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID, caller auth.Caller) error {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !caller.CanActFor(d.CreatedBy) {
		return ErrForbidden
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("report_id", id.String()).Str("by", caller.UserID).Msg("report deleted")
	return nil
}

func (s *Service) Search(ctx context.Context, f Filters, limit, offset int) ([]*Definition, int, error) {
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	f.Category = strings.ToLower(strings.TrimSpace(f.Category))
	return s.repo.Search(ctx, f, limit, offset)
}

// Run executes the report with supplied parameters merged over its
// defaults. lastRunAt only moves on success.
func (s *Service) Run(ctx context.Context, id uuid.UUID, supplied map[string]interface{}) (*RunResult, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	params := MergeParams(d.Parameters, supplied)

	sql, args, err := compile(d, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.runner.Query(ctx, sql, args...)
	s.metrics.ReportRun(ctx, d.Type, d.category(), time.Since(start), err)
	if err != nil {
		ev := s.logger.Warn()
		if !errors.As(err, new(*reporting.QueryError)) {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("report_id", id.String()).Msg("report run failed")
		return nil, err
	}

	now := s.now()
	if err := s.repo.MarkRun(ctx, id, now); err != nil {
		s.logger.Warn().Err(err).Str("report_id", id.String()).Msg("record last run")
	} else {
		d.LastRunAt = &now
	}

	rows := res.Rows
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return &RunResult{
		Report:     d,
		Parameters: params,
		Columns:    res.Columns,
		Results:    rows,
		RowCount:   res.RowCount,
		Truncated:  res.Truncated,
		ExecutedAt: now,
		DurationMs: res.Duration.Milliseconds(),
	}, nil
}

func compile(d *Definition, params map[string]interface{}) (string, []interface{}, error) {
	if d.Type == TypeStandard {
		return Standard(d.category(), params)
	}
	if d.Query == nil {
		return "", nil, invalid("query", "query is required for custom reports")
	}
	t, err := ParseTemplate(*d.Query)
	if err != nil {
		return "", nil, err
	}
	return t.Compile(params)
}

func validate(d *Definition) error {
	if d.Title == "" {
		return invalid("title", "title is required")
	}
	if len(d.Title) > 255 {
		return invalid("title", "title must be at most 255 characters")
	}
	if d.Category != nil && !validCategory(*d.Category) {
		return invalid("category", "unsupported report category "+*d.Category)
	}
	switch d.Type {
	case TypeStandard:
		if d.Category == nil {
			return invalid("category", "category is required for standard reports")
		}
	case TypeCustom:
		if d.Query == nil {
			return invalid("query", "query is required for custom reports")
		}
		t, err := ParseTemplate(*d.Query)
		if err != nil {
			return err
		}
		// Stored identifier defaults must already be whitelisted.
		_, idents := t.Placeholders()
		for _, name := range idents {
			if _, ok := d.Parameters[name]; ok {
				if _, err := identifierParam(name, d.Parameters); err != nil {
					return err
				}
			}
		}
	default:
		return invalid("type", "type must be standard or custom")
	}
	return nil
}

func (s *Service) Categories() []CategoryInfo {
	return Categories()
}
