package handlers

import (
	"context"
	"net/http"
	"strconv"

	"riskmanager/internal/repository"
)

// Максимум записей в ответе /api/v1/alerts
const maxAlertsLimit = 500

// AlertReader читает журнал алертов
type AlertReader interface {
	GetRecent(ctx context.Context, limit int) ([]*repository.AlertRecord, error)
}

// AlertHandler - чтение журнала алертов
type AlertHandler struct {
	alerts AlertReader
}

// NewAlertHandler создает новый экземпляр handler'а
func NewAlertHandler(alerts AlertReader) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// alertView - алерт в ответе API
type alertView struct {
	ID        int64  `json:"id"`
	Level     string `json:"level"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Context   string `json:"context"`
	Timestamp int64  `json:"timestamp"`
}

// GetRecent обрабатывает GET /api/v1/alerts?limit=N
func (h *AlertHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxAlertsLimit {
		limit = maxAlertsLimit
	}

	records, err := h.alerts.GetRecent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read alert journal")
		return
	}

	views := make([]alertView, 0, len(records))
	for _, rec := range records {
		views = append(views, alertView{
			ID:        rec.ID,
			Level:     rec.Level,
			Code:      rec.Code,
			Message:   rec.Message,
			Context:   rec.Context,
			Timestamp: rec.Timestamp,
		})
	}

	respondJSON(w, http.StatusOK, views)
}
