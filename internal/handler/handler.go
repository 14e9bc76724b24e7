package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/transfer-saga/internal/cqrs"
	"github.com/nathanyu/transfer-saga/internal/saga"
)

// SagaReader looks up live saga instances
type SagaReader interface {
	Get(ctx context.Context, transferID string) (*saga.Saga, error)
}

// Handler contains the ops HTTP handlers
type Handler struct {
	sagas     SagaReader
	readModel *cqrs.ReadModel
}

// NewHandler creates a new handler. readModel may be nil.
func NewHandler(sagas SagaReader, readModel *cqrs.ReadModel) *Handler {
	return &Handler{
		sagas:     sagas,
		readModel: readModel,
	}
}

// SagaResponse is the response body for the saga endpoint
type SagaResponse struct {
	Saga     *saga.Saga         `json:"saga,omitempty"`
	Transfer *cqrs.TransferView `json:"transfer,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// GetSaga handles GET /v1/sagas/:transfer_id
func (h *Handler) GetSaga(c *gin.Context) {
	transferID := c.Param("transfer_id")

	s, err := h.sagas.Get(c.Request.Context(), transferID)
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		c.JSON(http.StatusNotFound, SagaResponse{Error: "saga not found"})
		return
	case errors.Is(err, saga.ErrSagaEnded):
		// the instance is gone; the read model may still know how it ended
		resp := SagaResponse{Error: "saga ended"}
		if view, ok := h.transferView(transferID); ok {
			resp.Transfer = &view
		}
		c.JSON(http.StatusGone, resp)
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, SagaResponse{Error: "failed to load saga"})
		return
	}

	resp := SagaResponse{Saga: s}
	if view, ok := h.transferView(transferID); ok {
		resp.Transfer = &view
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) transferView(transferID string) (cqrs.TransferView, bool) {
	if h.readModel == nil {
		return cqrs.TransferView{}, false
	}
	return h.readModel.GetTransfer(transferID)
}

// GetSummary handles GET /v1/summary
func (h *Handler) GetSummary(c *gin.Context) {
	if h.readModel == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "read model disabled"})
		return
	}
	c.JSON(http.StatusOK, h.readModel.GetSummary())
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/sagas/:transfer_id", h.GetSaga)
		v1.GET("/summary", h.GetSummary)
	}
}
