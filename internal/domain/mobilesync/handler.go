package mobilesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hmis/hmis/internal/domain/device"
	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/pkg/pagination"
	"github.com/hmis/hmis/pkg/response"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes mounts the sync API under /mobile/sync. mw runs after the
// role check, e.g. per-user rate limiting.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mw = append([]echo.MiddlewareFunc{auth.RequireRole(auth.RoleHealthWorker)}, mw...)
	g := api.Group("/mobile/sync/:deviceId", mw...)
	g.GET("/status", h.Status)
	g.POST("/initiate", h.Initiate)
	g.POST("/upload", h.Upload)
	g.POST("/download", h.Download)
	g.GET("/download", h.Download)
	g.POST("/complete", h.Complete)
	g.GET("/history", h.History)
	g.POST("/resolve-conflicts", h.ResolveConflicts)
	g.POST("/reset", h.Reset)
}

func (h *Handler) Status(c echo.Context) error {
	res, err := h.coord.Status(c.Request().Context(), c.Param("deviceId"), callerOf(c))
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

func (h *Handler) Initiate(c echo.Context) error {
	res, err := h.coord.Initiate(c.Request().Context(), c.Param("deviceId"), callerOf(c))
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

// Entities are decoded one by one so a single bad item fails on its own.
type uploadRequest struct {
	DeviceID string            `json:"deviceId,omitempty"`
	Entities []json.RawMessage `json:"entities"`
}

type uploadResponse struct {
	Processed int             `json:"processed"`
	Results   []ChangeOutcome `json:"results"`
}

func (h *Handler) Upload(c echo.Context) error {
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	deviceID := c.Param("deviceId")
	if req.DeviceID != "" && req.DeviceID != deviceID {
		return echo.NewHTTPError(http.StatusBadRequest, "deviceId in body does not match path")
	}
	if req.Entities == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "entities is required")
	}
	entities := make([]UploadEntity, len(req.Entities))
	for i, raw := range req.Entities {
		entities[i] = decodeUploadEntity(raw)
	}
	results, err := h.coord.UploadChanges(c.Request().Context(), deviceID, callerOf(c), entities)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, uploadResponse{Processed: len(results), Results: results})
}

var uploadFieldHints = map[string]string{
	"data":           "must be a JSON object",
	"localTimestamp": "must be an RFC3339 timestamp",
}

// decodeUploadEntity decodes one upload item. Fields that do not decode are
// left zero and reported through malformed; the rest are kept so the failed
// record still says what it was about.
func decodeUploadEntity(raw json.RawMessage) UploadEntity {
	var in UploadEntity
	if err := json.Unmarshal(raw, &in); err == nil {
		return in
	}

	in = UploadEntity{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		in.malformed = &ValidationError{Message: "entity must be a JSON object"}
		return in
	}
	var bad []string
	decode := func(name string, dst interface{}) {
		v, ok := fields[name]
		if !ok || string(v) == "null" {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			bad = append(bad, name)
		}
	}
	var data map[string]interface{}
	var ts time.Time
	decode("entityType", &in.EntityType)
	decode("entityId", &in.EntityID)
	decode("operation", &in.Operation)
	decode("data", &data)
	decode("localTimestamp", &ts)
	if !slices.Contains(bad, "data") {
		in.Data = data
	}
	if !slices.Contains(bad, "localTimestamp") {
		in.LocalTimestamp = ts
	}

	switch {
	case len(bad) == 0:
		in.malformed = &ValidationError{Message: "malformed entity"}
	case len(bad) == 1 && uploadFieldHints[bad[0]] != "":
		in.malformed = &ValidationError{Field: bad[0], Message: uploadFieldHints[bad[0]]}
	case len(bad) == 1:
		in.malformed = &ValidationError{Field: bad[0], Message: "must be a string"}
	default:
		in.malformed = &ValidationError{Field: strings.Join(bad, ", "), Message: "malformed values"}
	}
	return in
}

// Download accepts its request as a JSON body (POST) or query parameters
// (GET): lastSyncDate, entityTypes (comma separated), cursor, limit.
func (h *Handler) Download(c echo.Context) error {
	var req DownloadRequest
	if c.Request().Method == http.MethodPost && c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	} else {
		var err error
		if req, err = downloadFromQuery(c); err != nil {
			return err
		}
	}
	res, err := h.coord.DownloadChanges(c.Request().Context(), c.Param("deviceId"), callerOf(c), req)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

func downloadFromQuery(c echo.Context) (DownloadRequest, error) {
	var req DownloadRequest
	if s := c.QueryParam("lastSyncDate"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return req, echo.NewHTTPError(http.StatusBadRequest, "lastSyncDate must be an RFC 3339 timestamp")
		}
		req.Since = &t
	}
	if s := c.QueryParam("entityTypes"); s != "" {
		req.EntityTypes = strings.Split(s, ",")
	}
	req.Cursor = c.QueryParam("cursor")
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return req, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		req.Limit = n
	}
	return req, nil
}

func (h *Handler) Complete(c echo.Context) error {
	res, err := h.coord.CompleteSync(c.Request().Context(), c.Param("deviceId"), callerOf(c))
	if err != nil {
		return HTTPError(err)
	}
	if !res.Completed {
		return c.JSON(http.StatusConflict, response.Envelope{Status: response.StatusError, Data: res,
			Error: &response.ErrorBody{Code: "CONFLICT", Message: "resolve outstanding conflicts before completing sync"}})
	}
	return response.OK(c, res)
}

func (h *Handler) History(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.coord.History(c.Request().Context(), c.Param("deviceId"), callerOf(c),
		c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*ChangeRecord{}
	}
	return response.List(c, items, pg, total)
}

// ResolveConflicts takes either a bare array of resolutions or an object
// {"resolutions": [...]}.
func (h *Handler) ResolveConflicts(c echo.Context) error {
	items, err := decodeResolutions(c.Request().Body)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one resolution is required")
	}
	res, err := h.coord.ResolveConflicts(c.Request().Context(), c.Param("deviceId"), callerOf(c), items)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

func decodeResolutions(body io.Reader) ([]ResolveInput, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	raw = bytes.TrimSpace(raw)
	var items []ResolveInput
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &items)
	} else {
		var wrapped struct {
			Resolutions []ResolveInput `json:"resolutions"`
		}
		err = json.Unmarshal(raw, &wrapped)
		items = wrapped.Resolutions
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return items, nil
}

func (h *Handler) Reset(c echo.Context) error {
	res, err := h.coord.ResetSyncState(c.Request().Context(), c.Param("deviceId"), callerOf(c))
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

func callerOf(c echo.Context) auth.Caller {
	return auth.CallerFromContext(c.Request().Context())
}

// HTTPError maps sync and device errors onto HTTP statuses.
func HTTPError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrNoSyncInProgress):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrChangeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return device.HTTPError(err)
}
