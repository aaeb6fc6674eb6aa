package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/graphquery/internal/engine"
	"github.com/OFFIS-RIT/kiwi/graphquery/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/query"

	"github.com/labstack/echo/v4"
)

type queryParams struct {
	Query   string                    `json:"query"`
	History query.ConversationHistory `json:"history" validate:"dive"`
	Count   int                       `json:"count" validate:"gte=0,lte=20"`
}

func GlobalSearchHandler(c echo.Context) error {
	return submit(c, engine.ModeGlobal)
}

func LocalSearchHandler(c echo.Context) error {
	return submit(c, engine.ModeLocal)
}

func QuestionsHandler(c echo.Context) error {
	return submit(c, engine.ModeQuestions)
}

func submit(c echo.Context, mode string) error {
	params := new(queryParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()
	if app.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, app.QueryTimeout)
		defer cancel()
	}

	res, err := app.Engines.Submit(ctx, engine.Request{
		Mode:    mode,
		Query:   params.Query,
		History: params.History,
		Count:   params.Count,
	})
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("[Server] Query failed", "mode", mode, "err", err)
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, res)
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, query.ErrAllMapsFailed),
		errors.Is(err, query.ErrReduceFailed),
		errors.Is(err, query.ErrModelCall),
		errors.Is(err, query.ErrRetrieval):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
