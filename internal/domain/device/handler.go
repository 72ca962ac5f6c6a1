package device

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hmis/hmis/internal/platform/auth"
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
	g := api.Group("/mobile/devices", auth.RequireRole(auth.RoleHealthWorker))
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:deviceId", h.Get)
	g.POST("/:deviceId/activate", h.Activate)
	g.POST("/:deviceId/deactivate", h.Deactivate)
	g.POST("/:deviceId/revoke", h.Revoke)
	g.DELETE("/:deviceId", h.Delete)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller := auth.CallerFromContext(c.Request().Context())
	d, err := h.svc.Register(c.Request().Context(), in, caller.UserID)
	if err != nil {
		return HTTPError(err)
	}
	return response.Created(c, d)
}

// List returns the caller's devices. Admins may list another user's with
// ?owner=.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	caller := auth.CallerFromContext(c.Request().Context())
	owner := caller.UserID
	if o := c.QueryParam("owner"); o != "" && o != owner {
		if !caller.IsAdmin() {
			return HTTPError(ErrForbidden)
		}
		owner = o
	}
	items, total, err := h.svc.ListByOwner(c.Request().Context(), owner, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Device{}
	}
	return response.List(c, items, pg, total)
}

func (h *Handler) Get(c echo.Context) error {
	caller := auth.CallerFromContext(c.Request().Context())
	d, err := h.svc.GetForCaller(c.Request().Context(), c.Param("deviceId"), caller)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, d)
}

func (h *Handler) Activate(c echo.Context) error {
	return h.transition(c, h.svc.Activate)
}

func (h *Handler) Deactivate(c echo.Context) error {
	return h.transition(c, h.svc.Deactivate)
}

func (h *Handler) Revoke(c echo.Context) error {
	return h.transition(c, h.svc.Revoke)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, id string, caller auth.Caller) (*Device, error)) error {
	caller := auth.CallerFromContext(c.Request().Context())
	d, err := fn(c.Request().Context(), c.Param("deviceId"), caller)
	if err != nil {
		return HTTPError(err)
	}
	return response.OK(c, d)
}

func (h *Handler) Delete(c echo.Context) error {
	caller := auth.CallerFromContext(c.Request().Context())
	if err := h.svc.Delete(c.Request().Context(), c.Param("deviceId"), caller); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HTTPError maps device errors onto HTTP statuses. The sync handlers use it
// for device lookups too.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrDeviceInactive),
		errors.Is(err, ErrDeviceOwnedByOther), errors.Is(err, ErrDeviceRevoked):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidDevice), errors.Is(err, ErrNoSyncWindow):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
