package middleware

import (
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/engine"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	Subject     string
	Role        string
	Permissions []string
}

// App is the state shared by all handlers.
type App struct {
	Engines      *engine.Engines
	QueryTimeout time.Duration

	// Keyfunc verifies bearer JWTs; nil disables JWT auth.
	Keyfunc jwt.Keyfunc
	// APIKey is accepted as bearer token with every permission.
	APIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
