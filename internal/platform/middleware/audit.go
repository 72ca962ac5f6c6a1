package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/platform/auth"
)

// AuditEntry describes one state-changing call against the sync or report
// surface.
type AuditEntry struct {
	UserID     string
	Roles      []string
	Area       string // "sync", "device", "report"
	Action     string
	DeviceID   string
	Path       string
	Method     string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries; the zerolog fallback is used when
// none is supplied.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every non-GET call under /api/v1/mobile and /api/v1/reports.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
				return err
			}
			area, action, deviceID := classifyPath(req.URL.Path)
			if area == "" {
				return err
			}

			caller := auth.CallerFromContext(req.Context())
			rid := RequestIDFrom(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			entry := AuditEntry{
				UserID:     caller.UserID,
				Roles:      caller.Roles,
				Area:       area,
				Action:     action,
				DeviceID:   deviceID,
				Path:       req.URL.Path,
				Method:     req.Method,
				RequestID:  rid,
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			if len(recorders) == 0 {
				logger.Info().
					Str("user_id", entry.UserID).
					Str("area", entry.Area).
					Str("action", entry.Action).
					Str("device_id", entry.DeviceID).
					Str("request_id", entry.RequestID).
					Int("status", entry.StatusCode).
					Msg("audit")
				return err
			}
			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", rid).Msg("audit record failed")
				}
			}
			return err
		}
	}
}

// classifyPath maps /api/v1/mobile/sync/<id>/<action>,
// /api/v1/mobile/devices/<id>[/<action>] and /api/v1/reports[/<id>[/run]].
func classifyPath(path string) (area, action, deviceID string) {
	path = strings.TrimPrefix(path, "/api/v1/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "mobile" && parts[1] == "sync":
		action = "sync"
		if len(parts) >= 4 {
			action = parts[3]
		}
		return "sync", action, parts[2]
	case len(parts) >= 2 && parts[0] == "mobile" && parts[1] == "devices":
		action = "register"
		if len(parts) >= 3 {
			deviceID = parts[2]
			action = "delete"
		}
		if len(parts) >= 4 {
			action = parts[3]
		}
		return "device", action, deviceID
	case len(parts) >= 1 && parts[0] == "reports":
		action = "write"
		if len(parts) >= 3 {
			action = parts[2]
		}
		return "report", action, ""
	}
	return "", "", ""
}
