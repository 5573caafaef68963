package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// PermissionDocumentCreate allows enqueueing documents for ingestion.
const PermissionDocumentCreate = "document.create"

// allPermissions is granted to the master key and to admins whose token
// carries no explicit permissions.
var allPermissions = []string{
	PermissionDocumentCreate,
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func (u *AppUser) Can(permission string) bool {
	return u != nil && slices.Contains(u.Permissions, permission)
}

// RequirePermission rejects requests whose user lacks permission. It must run
// after AuthMiddleware.
func RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return unauthorized(c)
			}
			if !user.Can(permission) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + permission})
			}
			return next(c)
		}
	}
}
