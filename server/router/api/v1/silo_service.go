package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/vectorstore"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// maxDocumentsPerRequest caps one indexing batch.
const maxDocumentsPerRequest = 500

// SiloSource resolves silo configuration.
type SiloSource interface {
	GetSilo(ctx context.Context, id int32) (*store.Silo, error)
}

// DocumentIndex writes silo documents into their vector collection.
type DocumentIndex interface {
	Upsert(ctx context.Context, collection string, docs ...vectorstore.Document) error
	Delete(ctx context.Context, collection string, ids ...string) error
}

type documentRequest struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

type indexDocumentsRequest struct {
	Documents []documentRequest `json:"documents"`
}

type indexDocumentsResponse struct {
	Silo    int32 `json:"silo"`
	Indexed int   `json:"indexed"`
}

func (s *APIV1Service) indexDocuments(c *echo.Context) error {
	silo, err := s.requireSilo(c)
	if err != nil {
		return err
	}
	var req indexDocumentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 || len(req.Documents) > maxDocumentsPerRequest {
		return echo.NewHTTPError(http.StatusBadRequest, "between 1 and "+strconv.Itoa(maxDocumentsPerRequest)+" documents required")
	}

	docs := make([]vectorstore.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		id := strings.TrimSpace(d.ID)
		if id == "" || strings.TrimSpace(d.Content) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every document needs an id and content")
		}
		docs = append(docs, vectorstore.Document{ID: id, Content: d.Content, Metadata: d.Metadata})
	}
	if err := s.Index.Upsert(c.Request().Context(), silo.Collection, docs...); err != nil {
		slog.Error("failed to index documents", "silo", silo.ID, "collection", silo.Collection, "err", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to index documents")
	}
	slog.Info("documents indexed", "silo", silo.ID, "count", len(docs))
	return c.JSON(http.StatusOK, indexDocumentsResponse{Silo: silo.ID, Indexed: len(docs)})
}

func (s *APIV1Service) deleteDocuments(c *echo.Context) error {
	silo, err := s.requireSilo(c)
	if err != nil {
		return err
	}
	ids := c.Request().URL.Query()["id"]
	if len(ids) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "id query parameter required")
	}
	if err := s.Index.Delete(c.Request().Context(), silo.Collection, ids...); err != nil {
		slog.Error("failed to delete documents", "silo", silo.ID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete documents")
	}
	return c.NoContent(http.StatusNoContent)
}

// requireSilo resolves the silo in the path for an identified caller.
func (s *APIV1Service) requireSilo(c *echo.Context) (*store.Silo, error) {
	if strings.TrimSpace(c.Request().Header.Get(headerUserID)) == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || id <= 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid silo id")
	}
	silo, err := s.Silos.GetSilo(c.Request().Context(), int32(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "silo not found")
	}
	if err != nil {
		slog.Error("failed to resolve silo", "silo", id, "err", err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve silo")
	}
	return silo, nil
}
