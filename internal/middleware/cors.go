package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS"
	corsAllowHeaders = "*"
)

// CORS answers preflight requests locally and marks every response, proxied
// or generated, with Access-Control-Allow-Origin: *.
//
// The header is set in a before-write hook so it replaces whatever value an
// upstream relayed, and still applies to responses written by the error
// handler or by middleware further down the chain.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				res.Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			})

			if c.Request().Method == http.MethodOptions {
				h := res.Header()
				h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
				h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
