// Package reporting executes read-only tabular queries for the report engine.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned when the concurrency cap is reached and the caller's
	// context ends before a slot frees up.
	ErrBusy = errors.New("report executor busy")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("report datastore unavailable")
)

// QueryError carries the datastore's message for a failed report query.
type QueryError struct {
	Code    string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("query execution failed (%s): %s", e.Code, e.Message)
	}
	return "query execution failed: " + e.Message
}

func (e *QueryError) Unwrap() error { return e.Err }

// userFault reports whether the failure was caused by the query itself
// (syntax, undefined column, bad cast, timeout) rather than the datastore.
func (e *QueryError) userFault() bool {
	if len(e.Code) < 2 {
		return false
	}
	switch e.Code[:2] {
	case "42", "22", "23", "25":
		return true
	}
	return e.Code == "57014" // statement_timeout
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Config struct {
	StatementTimeout time.Duration
	MaxRows          int
	MaxConcurrent    int64
	BreakerTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		StatementTimeout: 30 * time.Second,
		MaxRows:          10000,
		MaxConcurrent:    4,
		BreakerTimeout:   60 * time.Second,
	}
}

// Result is one query's tabular output.
type Result struct {
	Rows      []map[string]interface{}
	Columns   []string
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

// Executor runs report queries in READ ONLY transactions, bounded by a
// statement timeout, a row cap and a concurrency semaphore, behind a
// circuit breaker that opens on datastore failures.
type Executor struct {
	db      TxBeginner
	cfg     Config
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker[*Result]
}

func NewExecutor(db TxBeginner, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = def.StatementTimeout
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	return &Executor{
		db:  db,
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
		breaker: gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
			Name:        "report-executor",
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: readyToTrip,
			IsSuccessful: func(err error) bool {
				var qe *QueryError
				if errors.As(err, &qe) {
					return qe.userFault()
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// readyToTrip opens the breaker once at least 5 requests were seen and half
// of them failed.
func readyToTrip(counts gobreaker.Counts) bool {
	failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
	return counts.Requests >= 5 && failureRatio >= 0.5
}

// Query runs sql with positional args and returns at most MaxRows rows.
func (e *Executor) Query(ctx context.Context, sql string, args ...interface{}) (*Result, error) {
	return e.guard(ctx, func(ctx context.Context) (*Result, error) {
		return e.run(ctx, sql, args)
	})
}

func (e *Executor) guard(ctx context.Context, fn func(context.Context) (*Result, error)) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer e.sem.Release(1)

	res, err := e.breaker.Execute(func() (*Result, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return res, err
}

func (e *Executor) run(ctx context.Context, sql string, args []interface{}) (*Result, error) {
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET does not accept bind parameters.
	timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.cfg.StatementTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	cols := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		cols[i] = fd.Name
	}

	res := &Result{Columns: cols, Rows: []map[string]interface{}{}}
	for rows.Next() {
		if len(res.Rows) >= e.cfg.MaxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, wrapQueryError(err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, name := range cols {
			row[name] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if !res.Truncated {
		if err := rows.Err(); err != nil {
			return nil, wrapQueryError(err)
		}
	}

	res.RowCount = len(res.Rows)
	res.Duration = time.Since(start)
	return res, nil
}

func wrapQueryError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &QueryError{Message: err.Error(), Err: err}
}

// normalizeValue converts pgx's decoded values into JSON-friendly ones.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.Exp >= 0 && val.Int != nil && val.Int.IsInt64() {
			n := new(big.Int).Set(val.Int)
			n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(val.Exp)), nil))
			if n.IsInt64() {
				return n.Int64()
			}
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(val)
	}
	return v
}

// State reports the breaker state for health checks.
func (e *Executor) State() string {
	return e.breaker.State().String()
}
