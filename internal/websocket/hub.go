package websocket

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"riskmanager/internal/models"
	"riskmanager/internal/risk"
)

// Типизированные broadcast-сообщения дашборда

// AlertMessage - новый алерт риск-менеджера
type AlertMessage struct {
	Type string        `json:"type"`
	Data *models.Alert `json:"data"`
}

// RiskUpdateMessage - обновлённый срез состояния
type RiskUpdateMessage struct {
	Type string          `json:"type"`
	Data risk.StatusView `json:"data"`
}

// Hub управляет всеми активными WebSocket соединениями дашборда.
//
// Типы сообщений:
// - alert: новый алерт (зеркало топика alerts)
// - riskUpdate: срез состояния после значимой мутации
//
// Использование:
// 1. Создать hub: hub := NewHub(log)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.BroadcastAlert(...) / hub.BroadcastRiskUpdate(...)
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}

	// Счетчик отброшенных сообщений при переполнении очереди
	droppedMessages atomic.Int64

	log *zap.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		log:        log,
	}
}

// Run запускает главный цикл Hub.
// Должен запускаться в отдельной горутине: go hub.Run()
//
// Рассылка идёт без удержания блокировки: список клиентов копируется
// под коротким RLock, отправка non-blocking, не успевающие клиенты
// отключаются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow websocket clients",
					zap.Int("removed", len(toRemove)),
					zap.Int("total", total))
			}
		}
	}
}

// Stop останавливает главный цикл и отключает всех клиентов
func (h *Hub) Stop() {
	close(h.stop)
}

// Broadcast сериализует сообщение и кладёт его в очередь рассылки.
// Non-blocking: при переполненной очереди сообщение отбрасывается,
// рассылка дашборду не должна тормозить обработку событий.
func (h *Hub) Broadcast(message interface{}) {
	data, err := models.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.droppedMessages.Add(1)
	}
}

// DroppedMessages возвращает количество отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.droppedMessages.Load()
}

// BroadcastAlert рассылает новый алерт
func (h *Hub) BroadcastAlert(alert *models.Alert) {
	h.Broadcast(&AlertMessage{
		Type: "alert",
		Data: alert,
	})
}

// BroadcastRiskUpdate рассылает обновлённый срез состояния
func (h *Hub) BroadcastRiskUpdate(view risk.StatusView) {
	h.Broadcast(&RiskUpdateMessage{
		Type: "riskUpdate",
		Data: view,
	})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
