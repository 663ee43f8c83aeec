package risk

import (
	"context"
	"testing"

	"riskmanager/internal/models"
)

// ============================================================
// Order result reconciliation Tests
// ============================================================

func filledResult(orderID, symbol, side string, qty, price float64) *models.OrderResult {
	return &models.OrderResult{
		OrderID:        orderID,
		Status:         models.OrderStatusFilled,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		FilledQuantity: qty,
		Price:          floatPtr(price),
		StrategyID:     "strat-1",
		Timestamp:      testNow.Unix(),
	}
}

func TestHandleOrderResultFilledUpdatesLedger(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)
	e.state.PendingOrders = 1

	e.HandleOrderResult(context.Background(), filledResult("ord-1", "BTCUSDT", "BUY", 1, 100))

	if !almostEqual(e.state.Positions["BTCUSDT"], 1) {
		t.Errorf("position = %v", e.state.Positions["BTCUSDT"])
	}
	if e.state.PendingOrders != 0 {
		t.Errorf("pending = %d", e.state.PendingOrders)
	}
	if e.stats.OrderResultsReceived != 1 {
		t.Errorf("stats = %+v", e.stats)
	}
	if b.snapshot == nil {
		t.Error("state not persisted")
	}
}

func TestHandleOrderResultPendingFloor(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	// Дубликат результата не уводит счётчик в минус
	e.HandleOrderResult(context.Background(), filledResult("ord-1", "BTCUSDT", "BUY", 1, 100))
	if e.state.PendingOrders != 0 {
		t.Errorf("pending = %d, want 0", e.state.PendingOrders)
	}
}

func TestHandleOrderResultLossTripsBreaker(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)
	e.state.PendingOrders = 2

	// Roundtrip с убытком 600: просадка 6% > 5%
	e.HandleOrderResult(context.Background(), filledResult("ord-1", "BTCUSDT", "BUY", 10, 100))
	e.HandleOrderResult(context.Background(), filledResult("ord-2", "BTCUSDT", "SELL", 10, 40))

	if !e.state.CircuitBreakerActive {
		t.Fatal("breaker not tripped by drawdown")
	}
	if len(b.appendedTo("bot_shutdown_stream")) != 1 {
		t.Error("shutdown not emitted")
	}

	alerts := b.alertsPublished("alerts")
	if len(alerts) != 1 || alerts[0].Code != models.AlertCodeCircuitBreaker {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestHandleOrderResultRejectedAlertAndFailureTracking(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	res := &models.OrderResult{
		OrderID:          "ord-1",
		Status:           models.OrderStatusRejected,
		Symbol:           "BTCUSDT",
		Side:             "BUY",
		RejectReasonCode: "INSUFFICIENT_BALANCE",
		Timestamp:        testNow.Unix(),
	}
	e.HandleOrderResult(context.Background(), res)

	if e.state.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d", e.state.ConsecutiveFailures)
	}
	if e.state.CircuitBreakerActive {
		t.Error("tripped too early")
	}
	if e.stats.OrdersRejectedExecution != 1 {
		t.Errorf("stats = %+v", e.stats)
	}

	alerts := b.alertsPublished("alerts")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d", len(alerts))
	}
	if alerts[0].Level != models.AlertLevelWarning || alerts[0].Code != models.AlertCodeExecutionError {
		t.Errorf("alert = %+v", alerts[0])
	}
}

func TestHandleOrderResultErrorIsCritical(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	res := &models.OrderResult{
		OrderID:      "ord-1",
		Status:       models.OrderStatusError,
		Symbol:       "BTCUSDT",
		Side:         "BUY",
		ErrorMessage: "connection reset",
		Timestamp:    testNow.Unix(),
	}
	e.HandleOrderResult(context.Background(), res)

	alerts := b.alertsPublished("alerts")
	if len(alerts) != 1 || alerts[0].Level != models.AlertLevelCritical {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestHandleOrderResultConsecutiveFailuresTrip(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	for i := 0; i < 3; i++ {
		e.HandleOrderResult(context.Background(), &models.OrderResult{
			OrderID:   "ord",
			Status:    models.OrderStatusError,
			Symbol:    "BTCUSDT",
			Side:      "BUY",
			Timestamp: testNow.Unix(),
		})
	}

	if !e.state.CircuitBreakerActive {
		t.Fatal("breaker not tripped after 3 consecutive failures")
	}
	if e.state.CircuitBreakerReason != "EXECUTION_ERROR" {
		t.Errorf("reason = %q", e.state.CircuitBreakerReason)
	}
	if len(b.appendedTo("bot_shutdown_stream")) != 1 {
		t.Error("shutdown events emitted != 1")
	}
}

func TestHandleOrderResultSuccessResetsConsecutive(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	e.HandleOrderResult(context.Background(), &models.OrderResult{
		OrderID: "ord-1", Status: models.OrderStatusError,
		Symbol: "BTCUSDT", Side: "BUY", Timestamp: testNow.Unix(),
	})
	e.HandleOrderResult(context.Background(), &models.OrderResult{
		OrderID: "ord-2", Status: models.OrderStatusError,
		Symbol: "BTCUSDT", Side: "BUY", Timestamp: testNow.Unix(),
	})
	e.HandleOrderResult(context.Background(), filledResult("ord-3", "BTCUSDT", "BUY", 1, 100))

	if e.state.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d", e.state.ConsecutiveFailures)
	}
	if e.state.CircuitBreakerActive {
		t.Error("breaker tripped despite successful fill")
	}
}

func TestHandleOrderResultInvalidFillKeepsLedger(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	// Фил с отрицательным количеством: леджер не мутируется, сервис жив
	res := filledResult("ord-1", "BTCUSDT", "BUY", -5, 100)
	res.FilledQuantity = -5
	res.Quantity = -5
	e.HandleOrderResult(context.Background(), res)

	if len(e.state.Positions) != 0 {
		t.Errorf("positions mutated: %v", e.state.Positions)
	}
	if !almostEqual(e.state.Equity, 10000) {
		t.Errorf("equity = %v", e.state.Equity)
	}
}

func TestHandleOrderResultFilledWithoutPrice(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)

	res := filledResult("ord-1", "BTCUSDT", "BUY", 1, 100)
	res.Price = nil
	e.HandleOrderResult(context.Background(), res)

	if len(e.state.Positions) != 0 {
		t.Error("position opened without price")
	}
	// Успех всё равно засчитан
	if e.state.ConsecutiveFailures != 0 {
		t.Error("consecutive failures affected")
	}
}

func TestHandleOrderResultZeroFilledQuantitySkipsLedger(t *testing.T) {
	b := &fakeBus{}
	e := newTestEngine(testConfig(), b)
	e.state.PendingOrders = 1

	// FILLED без filled_quantity: запрошенное количество не подставляется,
	// леджер не получает позицию, которую биржа не подтвердила
	res := filledResult("ord-1", "BTCUSDT", "BUY", 2, 100)
	res.FilledQuantity = 0
	e.HandleOrderResult(context.Background(), res)

	if len(e.state.Positions) != 0 {
		t.Errorf("positions mutated: %v", e.state.Positions)
	}
	// Результат всё равно сверен: pending закрыт, успех засчитан
	if e.state.PendingOrders != 0 {
		t.Errorf("pending = %d, want 0", e.state.PendingOrders)
	}
	if e.state.ConsecutiveFailures != 0 {
		t.Error("consecutive failures affected")
	}
}

func TestHandleOrderResultGuardDisabledSkipsFailureTracking(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.E2EDisableCircuitBreaker = true
	b := &fakeBus{}
	e := newTestEngine(cfg, b)

	for i := 0; i < 3; i++ {
		e.HandleOrderResult(context.Background(), &models.OrderResult{
			OrderID:   "ord",
			Status:    models.OrderStatusError,
			Symbol:    "BTCUSDT",
			Side:      "BUY",
			Timestamp: testNow.Unix(),
		})
	}

	// С выключенным guard'ом трекер сбоев не ведётся: статус и метрики
	// не должны показывать предохранитель, который не применяется
	if e.state.CircuitBreakerActive {
		t.Fatal("breaker tripped with guard disabled")
	}
	if e.state.ConsecutiveFailures != 0 || len(e.state.FailureHistory) != 0 {
		t.Errorf("failures tracked: consecutive=%d history=%d",
			e.state.ConsecutiveFailures, len(e.state.FailureHistory))
	}
	// Учёт результатов и алерты при этом сохраняются
	if e.stats.OrdersRejectedExecution != 3 {
		t.Errorf("rejected counter = %d, want 3", e.stats.OrdersRejectedExecution)
	}
	if len(b.alertsPublished("alerts")) != 3 {
		t.Errorf("alerts = %d, want 3", len(b.alertsPublished("alerts")))
	}
}
