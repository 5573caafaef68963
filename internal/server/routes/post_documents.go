package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/docgraph/internal/queue"
	"github.com/OFFIS-RIT/docgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type createDocumentResponse struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// CreateDocumentHandler validates a document and puts it on the ingest queue.
// Loading happens asynchronously in the worker.
func CreateDocumentHandler(c echo.Context) error {
	data := new(queue.IngestMessage)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createDocumentResponse{
			Message: "Invalid request body",
		})
	}

	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createDocumentResponse{
			Message: "Invalid request body",
		})
	}

	ac := c.(*middleware.AppContext)
	if ac.User == nil {
		return c.JSON(http.StatusUnauthorized, createDocumentResponse{
			Message: "Unauthorized",
		})
	}

	// The id is fixed before publishing so worker retries upsert one node.
	if data.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			logger.Error("[Queue] Failed to generate document id", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentResponse{
				Message: "Internal server error",
			})
		}
		data.ID = id
	}

	if err := queue.Publish(c.Request().Context(), ac.App.Queue, ac.App.QueueName, *data); err != nil {
		logger.Error("[Queue] Failed to enqueue document", "filename", data.Filename, "err", err)
		return c.JSON(http.StatusInternalServerError, createDocumentResponse{
			Message: "Internal server error",
		})
	}
	if ac.App.Enqueued != nil {
		ac.App.Enqueued()
	}

	logger.Debug("[Queue] Document enqueued", "document_id", data.ID, "filename", data.Filename,
		"subject", ac.User.Subject)
	return c.JSON(http.StatusAccepted, createDocumentResponse{
		Message:    "Document queued",
		DocumentID: data.ID,
		Filename:   data.Filename,
	})
}
