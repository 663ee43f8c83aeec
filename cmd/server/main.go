package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"riskmanager/internal/api"
	"riskmanager/internal/bus"
	"riskmanager/internal/config"
	"riskmanager/internal/repository"
	"riskmanager/internal/risk"
	"riskmanager/internal/websocket"
	"riskmanager/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Подключение к шине событий (с retry)
	eventBus, err := bus.Connect(rootCtx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// Журнал алертов (опционально: пустой DSN отключает)
	var alertRepo *repository.AlertRepository
	if cfg.Journal.DSN != "" {
		db, err := initJournalDB(cfg.Journal.DSN)
		if err != nil {
			logger.Fatal("Failed to connect to alert journal database", zap.Error(err))
		}
		defer db.Close()
		alertRepo = repository.NewAlertRepository(db)
		logger.Info("alert journal enabled")
	}

	// Инициализация WebSocket hub
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Инициализация риск-движка
	var journal risk.AlertJournal
	var alertReader *repository.AlertRepository
	if alertRepo != nil {
		journal = alertRepo
		alertReader = alertRepo
	}
	balance := risk.StaticBalanceProvider(cfg.Risk.TestBalance)
	engine := risk.NewEngine(cfg, logger, eventBus, hub, journal, balance)

	if err := engine.Bootstrap(rootCtx); err != nil {
		logger.Fatal("Failed to bootstrap risk engine", zap.Error(err))
	}
	if err := engine.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start risk engine", zap.Error(err))
	}

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		Engine: engine,
		Hub:    hub,
		Log:    logger,
	}
	if alertReader != nil {
		deps.Alerts = alertReader
	}

	router := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Останавливаем консьюмеры и персистируем финальный снапшот
	rootCancel()
	if err := engine.Close(); err != nil {
		logger.Error("Error closing risk engine", zap.Error(err))
	}
	hub.Stop()

	logger.Info("Server exited")
}

// initJournalDB создает подключение к базе журнала алертов
func initJournalDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
