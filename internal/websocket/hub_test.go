package websocket

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"riskmanager/internal/models"
	"riskmanager/internal/risk"
)

// ============================================================
// Unit Tests
// ============================================================

func newTestHub() *Hub {
	return NewHub(zap.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNewHub(t *testing.T) {
	hub := newTestHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := &OriginChecker{
		allowedOrigins: map[string]struct{}{
			"http://localhost:3000": {},
			"https://example.com":   {},
		},
		allowAll: false,
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	checker := &OriginChecker{
		allowAll: true,
	}

	origins := []string{
		"http://localhost:3000",
		"https://evil.com",
		"http://anything.example.org",
	}

	for _, origin := range origins {
		if !checker.Check(origin) {
			t.Errorf("allowAll=true but Check(%q) = false", origin)
		}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("unexpected message on unregistered client")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed on unregister")
	}
}

func TestHub_BroadcastAlertDelivery(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	alert := models.NewAlert(models.AlertLevelCritical, models.AlertCodeCircuitBreaker,
		"circuit breaker tripped", nil, 1700000000)
	hub.BroadcastAlert(alert)

	select {
	case payload := <-client.send:
		var msg AlertMessage
		if err := models.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "alert" {
			t.Errorf("type = %q, want alert", msg.Type)
		}
		if msg.Data == nil || msg.Data.Code != models.AlertCodeCircuitBreaker {
			t.Errorf("data = %+v", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
}

func TestHub_BroadcastRiskUpdateDelivery(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastRiskUpdate(risk.StatusView{
		Status:     "running",
		Equity:     10000,
		TradingDay: "2026-08-31",
	})

	select {
	case payload := <-client.send:
		var msg RiskUpdateMessage
		if err := models.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "riskUpdate" {
			t.Errorf("type = %q, want riskUpdate", msg.Type)
		}
		if msg.Data.Equity != 10000 || msg.Data.TradingDay != "2026-08-31" {
			t.Errorf("data = %+v", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("risk update not delivered")
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Клиент без буфера и без читателя не принимает сообщения
	slow := &Client{hub: hub, send: make(chan []byte)}
	hub.register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastAlert(models.NewAlert(models.AlertLevelInfo, models.AlertCodeRiskLimit, "m", nil, 0))
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_Stop(t *testing.T) {
	hub := newTestHub()

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Stop()

	select {
	case <-done:
		// OK - Run() exited
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("unexpected message on stopped hub client")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed on stop")
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	// Hub без запущенного Run: очередь переполняется, отправитель
	// не должен блокироваться
	hub := newTestHub()

	for i := 0; i < 1000; i++ {
		hub.BroadcastRiskUpdate(risk.StatusView{Equity: float64(i)})
	}

	if hub.DroppedMessages() == 0 {
		t.Error("expected dropped messages on full queue")
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 500

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastRiskUpdate(risk.StatusView{Equity: float64(id*operations + j)})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

// BenchmarkHub_Broadcast тестирует скорость broadcast
func BenchmarkHub_Broadcast(b *testing.B) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	alert := models.NewAlert(models.AlertLevelWarning, models.AlertCodeRiskLimit, "bench", nil, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastAlert(alert)
	}
}

// BenchmarkHub_ClientCount тестирует чтение под RLock
func BenchmarkHub_ClientCount(b *testing.B) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = hub.ClientCount()
	}
}
