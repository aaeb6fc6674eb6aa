package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

const RoleAdmin = "admin"

// Can reports whether u holds perm. A nil user holds nothing.
func (u *AppUser) Can(perm string) bool {
	return u != nil && slices.Contains(u.Permissions, perm)
}

func (u *AppUser) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// RequirePermission rejects callers without perm: 401 when AuthMiddleware
// did not resolve a user, 403 otherwise.
func RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			switch {
			case user == nil:
				return deny(c, http.StatusUnauthorized, "Unauthorized")
			case !user.Can(perm):
				return deny(c, http.StatusForbidden, "Forbidden: missing permission "+perm)
			}
			return next(c)
		}
	}
}

func deny(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
