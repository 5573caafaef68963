package middleware

import (
	"github.com/OFFIS-RIT/docgraph/internal/queue"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	Subject     string
	Role        string
	Permissions []string
}

type App struct {
	Queue        queue.Channel
	QueueName    string
	Key          jwt.Keyfunc
	MasterAPIKey string

	// Enqueued is called after a document was put on the ingest queue.
	Enqueued func()
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app, nil})
		}
	}
}
