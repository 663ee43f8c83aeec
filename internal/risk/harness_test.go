package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskmanager/internal/config"
	"riskmanager/internal/models"
)

// ============================================================
// Тестовые дублёры шины, дашборда и журнала
// ============================================================

type publishedMessage struct {
	Channel string
	Payload []byte
}

type appendedEntry struct {
	Stream string
	Values map[string]interface{}
}

// fakeBus - in-memory шина для тестов движка
type fakeBus struct {
	mu sync.Mutex

	published []publishedMessage
	appended  []appendedEntry
	snapshot  []byte

	publishErr error
	saveErr    error
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{Channel: channel, Payload: payload})
	return nil
}

func (b *fakeBus) AppendStream(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, appendedEntry{Stream: stream, Values: values})
	return nil
}

func (b *fakeBus) ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]models.StreamEntry, error) {
	return nil, nil
}

func (b *fakeBus) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.snapshot = data
	return nil
}

func (b *fakeBus) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot, nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return nil, errors.New("not implemented in fakeBus")
}

// publishedTo возвращает payload'ы, опубликованные в канал
func (b *fakeBus) publishedTo(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, msg := range b.published {
		if msg.Channel == channel {
			out = append(out, msg.Payload)
		}
	}
	return out
}

// appendedTo возвращает записи, добавленные в стрим
func (b *fakeBus) appendedTo(stream string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, entry := range b.appended {
		if entry.Stream == stream {
			out = append(out, entry.Values)
		}
	}
	return out
}

// alertsPublished разбирает опубликованные алерты
func (b *fakeBus) alertsPublished(channel string) []models.Alert {
	var alerts []models.Alert
	for _, payload := range b.publishedTo(channel) {
		var a models.Alert
		if err := models.Unmarshal(payload, &a); err == nil {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// fakeHub записывает broadcast-вызовы
type fakeHub struct {
	mu      sync.Mutex
	alerts  []*models.Alert
	updates []StatusView
}

func (h *fakeHub) BroadcastAlert(alert *models.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
}

func (h *fakeHub) BroadcastRiskUpdate(view StatusView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, view)
}

// fakeJournal записывает алерты в память
type fakeJournal struct {
	mu     sync.Mutex
	alerts []*models.Alert
	err    error
}

func (j *fakeJournal) RecordAlert(ctx context.Context, alert *models.Alert) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.alerts = append(j.alerts, alert)
	return nil
}

// failingBalance всегда возвращает ошибку
type failingBalance struct{}

func (failingBalance) Balance(ctx context.Context) (float64, error) {
	return 0, errors.New("exchange unavailable")
}

// ============================================================
// Конструктор тестового движка
// ============================================================

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8002},
		Redis: config.RedisConfig{
			Host:      "localhost",
			Port:      6379,
			ReadBlock: time.Second,
			ReadCount: 10,
			StateKey:  "risk_manager:state",
		},
		Risk: config.RiskConfig{
			MaxPositionPct:       0.10,
			MaxTotalExposurePct:  0.30,
			MaxSymbolExposurePct: 0.15,
			MaxBotExposurePct:    0.20,
			MaxDailyDrawdownPct:  0.05,
			StopLossPct:          0.02,
			TestBalance:          10000,
			FallbackBalance:      100,
		},
		Breaker: config.BreakerConfig{
			CooldownSec:            0,
			MaxConsecutiveFailures: 3,
			MaxFailures:            5,
			FailureWindowSec:       3600,
		},
		Topics: config.TopicsConfig{
			Signals:      "signals",
			OrderResults: "order_results",
			Orders:       "orders",
			Alerts:       "alerts",
		},
		Streams: config.StreamsConfig{
			Orders:      "orders_stream",
			Regime:      "regime_stream",
			Allocation:  "allocation_stream",
			BotShutdown: "bot_shutdown_stream",
			RiskReset:   "risk_reset_stream",
			MaxLen:      10000,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
}

const testDay = "2026-08-31"

// фиксированное "сейчас" внутри testDay
var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestEngine(cfg *config.Config, b *fakeBus) *Engine {
	e := NewEngine(cfg, zap.NewNop(), b, nil, nil, StaticBalanceProvider(cfg.Risk.TestBalance))
	e.now = func() time.Time { return testNow }
	e.state.InitializeEquity(cfg.Risk.TestBalance, testDay)
	e.startedAt = testNow
	return e
}

// allowStrategy выдаёт стратегии полную аллокацию: без записи
// аллокации pipeline отклоняет сигнал
func allowStrategy(e *Engine, strategyID string) {
	e.allocations[strategyID] = models.AllocationState{AllocationPct: 1.0}
}

func testSignal(symbol, side, strategyID string) *models.Signal {
	return &models.Signal{
		SignalID:   "sig-1",
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		Timestamp:  testNow.Unix(),
	}
}

func floatPtr(v float64) *float64 { return &v }
