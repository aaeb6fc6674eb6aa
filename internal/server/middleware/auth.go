package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	PermSearchGlobal = "search.global"
	PermSearchLocal  = "search.local"
	PermQuestions    = "questions.generate"
)

var allPermissions = []string{
	PermSearchGlobal,
	PermSearchLocal,
	PermQuestions,
}

// AuthMiddleware resolves the caller from the Authorization header. When
// neither an API key nor a JWT key function is configured every caller is
// an anonymous admin.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ac := c.(*AppContext)
		app := ac.App

		if app.APIKey == "" && app.Keyfunc == nil {
			ac.User = &AppUser{Subject: "anonymous", Role: RoleAdmin, Permissions: allPermissions}
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return deny(c, http.StatusUnauthorized, "Unauthorized")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if app.APIKey != "" && token == app.APIKey {
			ac.User = &AppUser{Subject: "api-key", Role: RoleAdmin, Permissions: allPermissions}
			return next(c)
		}
		if app.Keyfunc == nil {
			return deny(c, http.StatusUnauthorized, "Unauthorized")
		}

		parsed, err := jwt.Parse(token, app.Keyfunc)
		if err != nil || !parsed.Valid {
			return deny(c, http.StatusUnauthorized, "Unauthorized")
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return deny(c, http.StatusUnauthorized, "Unauthorized")
		}

		var subject string
		switch id := claims["id"].(type) {
		case string:
			subject = id
		case float64:
			subject = strconv.FormatInt(int64(id), 10)
		default:
			subject, _ = claims.GetSubject()
		}
		if subject == "" {
			return deny(c, http.StatusUnauthorized, "Invalid user ID")
		}

		role := "user"
		if roleClaim, ok := claims["role"].(string); ok {
			role = roleClaim
		}

		var permissions []string
		if permsClaim, ok := claims["permissions"].([]any); ok {
			for _, p := range permsClaim {
				if pStr, ok := p.(string); ok {
					permissions = append(permissions, pStr)
				}
			}
		}

		if role == RoleAdmin && len(permissions) == 0 {
			permissions = allPermissions
		}

		ac.User = &AppUser{
			Subject:     subject,
			Role:        role,
			Permissions: permissions,
		}

		return next(c)
	}
}
