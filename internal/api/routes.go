package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"riskmanager/internal/api/handlers"
	"riskmanager/internal/api/middleware"
	"riskmanager/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine handlers.StatusProvider
	Alerts handlers.AlertReader // nil, если журнал алертов отключен
	Hub    *websocket.Hub       // nil, если дашборд отключен
	Log    *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты сервиса
//
// Структура маршрутов:
//
//	├── GET /health - liveness проверка
//	├── GET /status - полный срез состояния риск-движка
//	├── GET /metrics - Prometheus метрики
//	├── GET /api/v1/alerts - журнал алертов (если подключен Postgres)
//	└── GET /ws - WebSocket для real-time обновлений дашборда
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Log))
	router.Use(middleware.Logging(deps.Log))
	router.Use(middleware.CORS)

	statusHandler := handlers.NewStatusHandler(deps.Engine)
	router.HandleFunc("/health", statusHandler.Health).Methods(http.MethodGet)
	router.HandleFunc("/status", statusHandler.Status).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.Alerts != nil {
		alertHandler := handlers.NewAlertHandler(deps.Alerts)
		api := router.PathPrefix("/api/v1").Subrouter()
		api.HandleFunc("/alerts", alertHandler.GetRecent).Methods(http.MethodGet)
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		})
	}

	return router
}
