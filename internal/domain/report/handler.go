package report

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/internal/platform/reporting"
	"github.com/hmis/hmis/pkg/pagination"
	"github.com/hmis/hmis/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleAnalyst))
	g.GET("/categories", h.Categories)
	g.POST("", h.Create)
	g.GET("", h.Search)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/run", h.Run)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller := auth.CallerFromContext(c.Request().Context())
	d, err := h.svc.Create(c.Request().Context(), in, caller.UserID)
	if err != nil {
		return HTTPError(err)
	}
	return response.Created(c, d)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, d)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller := auth.CallerFromContext(c.Request().Context())
	d, err := h.svc.Update(c.Request().Context(), id, in, caller)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, d)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	caller := auth.CallerFromContext(c.Request().Context())
	if err := h.svc.Delete(c.Request().Context(), id, caller); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filters{
		Title:     c.QueryParam("title"),
		Type:      c.QueryParam("type"),
		Category:  c.QueryParam("category"),
		CreatedBy: c.QueryParam("createdBy"),
	}
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Definition{}
	}
	return response.List(c, items, pg, total)
}

type runRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

func (h *Handler) Run(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	var req runRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := h.svc.Run(c.Request().Context(), id, req.Parameters)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, res)
}

func (h *Handler) Categories(c echo.Context) error {
	return response.OK(c, h.svc.Categories())
}

func reportID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	return id, nil
}

// HTTPError maps report and executor errors onto HTTP statuses.
func HTTPError(err error) error {
	var ve *ValidationError
	var qe *reporting.QueryError
	switch {
	case errors.Is(err, ErrReportNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &qe):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, reporting.ErrBusy), errors.Is(err, reporting.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return err
}
