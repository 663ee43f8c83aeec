package bus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"riskmanager/internal/config"
)

func testBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	b, err := Connect(context.Background(), config.RedisConfig{
		Host: srv.Host(),
		Port: port,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b, srv
}

func TestConnectUnavailableBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // не ждать backoff-ретраев

	_, err := Connect(ctx, config.RedisConfig{Host: "127.0.0.1", Port: 1}, zap.NewNop())
	if err == nil {
		t.Fatal("expected connect error")
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	// Отсутствующий ключ - (nil, nil), а не ошибка
	data, err := b.LoadSnapshot(ctx, "risk_manager:state")
	if err != nil {
		t.Fatalf("load absent snapshot: %v", err)
	}
	if data != nil {
		t.Fatalf("absent snapshot = %q, want nil", data)
	}

	want := []byte(`{"equity":10000}`)
	if err := b.SaveSnapshot(ctx, "risk_manager:state", want); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	data, err = b.LoadSnapshot(ctx, "risk_manager:state")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if string(data) != string(want) {
		t.Errorf("snapshot = %q, want %q", data, want)
	}
}

func TestAppendAndReadStream(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.AppendStream(ctx, "risk_reset_stream", map[string]interface{}{
			"reset_type": "all",
			"seq":        i,
		}, 100)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := b.ReadStream(ctx, "risk_reset_stream", "0", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	for i, entry := range entries {
		if entry.ID == "" {
			t.Errorf("entry %d without id", i)
		}
		if entry.Values["reset_type"] != "all" {
			t.Errorf("entry %d reset_type = %q", i, entry.Values["reset_type"])
		}
		// Нестроковые значения приводятся к строкам
		if entry.Values["seq"] != strconv.Itoa(i) {
			t.Errorf("entry %d seq = %q, want %q", i, entry.Values["seq"], strconv.Itoa(i))
		}
	}

	// Чтение после последней записи - таймаут без ошибки
	entries, err = b.ReadStream(ctx, "risk_reset_stream", entries[len(entries)-1].ID, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("read past tail: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries past tail = %d, want 0", len(entries))
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "signals")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := []byte(`{"symbol":"BTCUSDT","side":"BUY"}`)
	if err := b.Publish(ctx, "signals", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-sub.Messages():
		if string(payload) != string(want) {
			t.Errorf("payload = %q, want %q", payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	b, _ := testBus(t)

	sub, err := b.Subscribe(context.Background(), "signals")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("unexpected message on closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed")
	}
}
