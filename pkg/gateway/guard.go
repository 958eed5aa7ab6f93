package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docport/gateway/pkg/session"
)

// Guard protects routes on the session manager's say-so. While the manager
// is still initializing it answers 503 so protected content is never served
// in an undecided state. Once initialized, an auth mismatch redirects:
// unauthenticated callers of protected routes go to the login path, and
// authenticated callers of guest-only routes go to the landing path.
func (api *API) Guard(requireAuth bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch api.sessions.State() {
			case session.StateUninitialized, session.StateLoading:
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "session initializing",
				})
			}

			authenticated := api.sessions.State() == session.StateAuthenticated &&
				!api.sessions.IsSessionExpired()

			if requireAuth && !authenticated {
				return c.Redirect(http.StatusFound, api.loginPath)
			}
			if !requireAuth && authenticated {
				return c.Redirect(http.StatusFound, api.landingPath)
			}

			return next(c)
		}
	}
}
