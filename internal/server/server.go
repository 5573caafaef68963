// Package server is the HTTP surface that accepts documents for ingestion.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/docgraph/internal/queue"
	mid "github.com/OFFIS-RIT/docgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

type Params struct {
	Queue queue.Channel
	// QueueName defaults to queue.IngestQueue.
	QueueName string
	// Key verifies bearer tokens. Without it only MasterAPIKey is accepted.
	Key          jwt.Keyfunc
	MasterAPIKey string
	Gatherer     prometheus.Gatherer
	Enqueued     func()
	BodyLimit    string
}

// New builds the echo instance with middleware and routes.
func New(p Params) *echo.Echo {
	if p.Gatherer == nil {
		p.Gatherer = prometheus.DefaultGatherer
	}
	if p.BodyLimit == "" {
		p.BodyLimit = "64M"
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(&mid.App{
		Queue:        p.Queue,
		QueueName:    p.QueueName,
		Key:          p.Key,
		MasterAPIKey: p.MasterAPIKey,
		Enqueued:     p.Enqueued,
	}))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(p.BodyLimit))

	RegisterRoutes(e, p.Gatherer)
	return e
}

// NewJWKS fetches the key set at url and keeps it refreshed in the
// background.
func NewJWKS(url string) (jwt.Keyfunc, error) {
	k, err := keyfunc.NewDefault([]string{url})
	if err != nil {
		return nil, fmt.Errorf("failed to load jwks keys: %w", err)
	}
	return k.Keyfunc, nil
}

// Serve runs e on addr until ctx is done and then shuts it down.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
