package handlers

import (
	"net/http"

	"riskmanager/internal/risk"
)

// StatusProvider отдаёт срез состояния риск-движка
type StatusProvider interface {
	Status() risk.StatusView
}

// StatusHandler - endpoints /health и /status
type StatusHandler struct {
	engine StatusProvider
}

// NewStatusHandler создает новый экземпляр handler'а
func NewStatusHandler(engine StatusProvider) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// Health обрабатывает GET /health - liveness проверка
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "risk_manager",
	})
}

// Status обрабатывает GET /status - полный срез состояния:
// equity, просадка, позиции, предохранитель, блок-листы, счётчики
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Status())
}
