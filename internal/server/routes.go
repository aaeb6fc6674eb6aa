package server

import (
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	apiRoutes.POST("/search/global", routes.GlobalSearchHandler, middleware.RequirePermission(middleware.PermSearchGlobal))
	apiRoutes.POST("/search/local", routes.LocalSearchHandler, middleware.RequirePermission(middleware.PermSearchLocal))
	apiRoutes.POST("/questions", routes.QuestionsHandler, middleware.RequirePermission(middleware.PermQuestions))
}
