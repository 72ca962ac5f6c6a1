package middleware

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/pkg/response"
)

// Recovery turns a handler panic into a 500 error envelope carrying the
// request id, and logs the panic with its stack under the same id.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				stack := make([]byte, 8<<10)
				stack = stack[:runtime.Stack(stack, false)]

				rid := RequestIDFrom(c)
				req := c.Request()
				logger.Error().
					Str("request_id", rid).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Interface("panic", r).
					Bytes("stack", stack).
					Msg("panic recovered")

				if c.Response().Committed {
					err = nil
					return
				}
				err = c.JSON(http.StatusInternalServerError, response.Envelope{
					Status: response.StatusError,
					Error: &response.ErrorBody{
						Code:      "INTERNAL_ERROR",
						Message:   "internal server error",
						RequestID: rid,
					},
				})
			}()
			return next(c)
		}
	}
}
