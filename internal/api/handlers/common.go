package handlers

import (
	"net/http"

	"riskmanager/internal/models"
)

// ErrorResponse стандартный формат ответа об ошибке
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// respondJSON пишет значение в ответ единым кодеком
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, err := models.Marshal(v)
	if err != nil {
		// Тело уже не отправить корректно, статус записан
		return
	}
	_, _ = w.Write(data)
}

// respondError пишет стандартный ответ об ошибке
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
