package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments shared by the HTTP layer and the domain
// services. A nil *Metrics records nothing.
type Metrics struct {
	httpDuration   metric.Float64Histogram
	httpTotal      metric.Int64Counter
	syncRecords    metric.Int64Counter
	syncCompletes  metric.Int64Counter
	syncResolved   metric.Int64Counter
	reportRuns     metric.Int64Counter
	reportDuration metric.Float64Histogram
}

// NewMetrics registers all instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.httpDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.httpTotal, err = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("Total number of HTTP server requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.syncRecords, err = meter.Int64Counter("hmis.sync.records",
		metric.WithDescription("Uploaded change records by outcome"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.syncCompletes, err = meter.Int64Counter("hmis.sync.completions",
		metric.WithDescription("completeSync calls by result"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.syncResolved, err = meter.Int64Counter("hmis.sync.conflicts.resolved",
		metric.WithDescription("Conflict resolutions by policy"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.reportRuns, err = meter.Int64Counter("hmis.report.runs",
		metric.WithDescription("Report runs by type and outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.reportDuration, err = meter.Float64Histogram("hmis.report.duration",
		metric.WithDescription("Report execution time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments bound to a noop meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func (m *Metrics) SyncRecord(ctx context.Context, kind, operation, status string) {
	if m == nil {
		return
	}
	m.syncRecords.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.kind", kind),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

func (m *Metrics) SyncCompleted(ctx context.Context, completed bool) {
	if m == nil {
		return
	}
	m.syncCompletes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("completed", completed)))
}

func (m *Metrics) ConflictResolved(ctx context.Context, resolution string, ok bool) {
	if m == nil {
		return
	}
	m.syncResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resolution", resolution),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) ReportRun(ctx context.Context, reportType, category string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("report.type", reportType),
		attribute.String("report.category", category),
		attribute.String("outcome", outcome),
	)
	m.reportRuns.Add(ctx, 1, attrs)
	m.reportDuration.Record(ctx, d.Seconds(), attrs)
}

// Middleware records request count and latency keyed by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("http.request.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.String("http.response.status_code", strconv.Itoa(status)),
			)
			ctx := c.Request().Context()
			m.httpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			m.httpTotal.Add(ctx, 1, attrs)
			return err
		}
	}
}
