package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/hmis/internal/platform/db"
)

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `id, title, description, type, category, parameters, query,
	created_by, last_run_at, created_at, updated_at, deleted_at`

func (r *reportRepoPG) scanReport(row pgx.Row) (*Definition, error) {
	var d Definition
	err := row.Scan(&d.ID, &d.Title, &d.Description, &d.Type, &d.Category, &d.Parameters,
		&d.Query, &d.CreatedBy, &d.LastRunAt, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Parameters == nil {
		d.Parameters = map[string]interface{}{}
	}
	return &d, nil
}

func (r *reportRepoPG) Create(ctx context.Context, d *Definition) error {
	if d.Parameters == nil {
		d.Parameters = map[string]interface{}{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO report_definition (id, title, description, type, category, parameters, query, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		d.ID, d.Title, d.Description, d.Type, d.Category, d.Parameters, d.Query, d.CreatedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *reportRepoPG) Get(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM report_definition WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *reportRepoPG) Update(ctx context.Context, d *Definition) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE report_definition SET title=$2, description=$3, type=$4, category=$5,
			parameters=$6, query=$7, updated_at=NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`,
		d.ID, d.Title, d.Description, d.Type, d.Category, d.Parameters, d.Query,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReportNotFound
	}
	return err
}

func (r *reportRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE report_definition SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (r *reportRepoPG) Search(ctx context.Context, f Filters, limit, offset int) ([]*Definition, int, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Title != "" {
		add("title ILIKE $%d", "%"+escapeLike(f.Title)+"%")
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM report_definition`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM report_definition`+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Definition
	for rows.Next() {
		d, err := r.scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *reportRepoPG) MarkRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE report_definition SET last_run_at = $2 WHERE id = $1`, id, at)
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
