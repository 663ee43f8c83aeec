package models

import (
	"fmt"
	"strings"
)

// Типы событий на шине
const (
	EventTypeOrder       = "order"
	EventTypeOrderResult = "order_result"
	EventTypeAlert       = "alert"
)

// Статусы order_result от execution-сервиса
const (
	OrderStatusFilled   = "FILLED"
	OrderStatusRejected = "REJECTED"
	OrderStatusError    = "ERROR"
)

// Order - одобренный и рассчитанный по размеру ордер для execution-сервиса.
//
// Создаётся только admission pipeline'ом при полном одобрении сигнала,
// неизменяем, публикуется ровно один раз (топик + зеркальный стрим).
type Order struct {
	Type        string  `json:"type"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	StopLossPct float64 `json:"stop_loss_pct"`
	SignalID    string  `json:"signal_id"`
	Reason      string  `json:"reason,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	ClientID    string  `json:"client_id"`
	StrategyID  string  `json:"strategy_id"`
	BotID       string  `json:"bot_id,omitempty"`
}

// StreamValues возвращает поля ордера для XADD в зеркальный стрим.
// Пустые/нулевые опциональные поля не пишутся (контракт: только non-null).
func (o *Order) StreamValues() map[string]interface{} {
	values := map[string]interface{}{
		"type":          o.Type,
		"symbol":        o.Symbol,
		"side":          o.Side,
		"quantity":      o.Quantity,
		"stop_loss_pct": o.StopLossPct,
		"signal_id":     o.SignalID,
		"timestamp":     o.Timestamp,
		"client_id":     o.ClientID,
		"strategy_id":   o.StrategyID,
	}
	if o.Reason != "" {
		values["reason"] = o.Reason
	}
	if o.BotID != "" {
		values["bot_id"] = o.BotID
	}
	return values
}

// OrderResult - отчёт execution-сервиса об исходе ранее отправленного ордера.
// Неизменяем после конструирования.
type OrderResult struct {
	OrderID          string   `json:"order_id"`
	Status           string   `json:"status"`
	Symbol           string   `json:"symbol"`
	Side             string   `json:"side"`
	Quantity         float64  `json:"quantity"`
	FilledQuantity   float64  `json:"filled_quantity"`
	Price            *float64 `json:"price,omitempty"`
	StrategyID       string   `json:"strategy_id,omitempty"`
	BotID            string   `json:"bot_id,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	RejectReasonCode string   `json:"reject_reason_code,omitempty"`
	Timestamp        int64    `json:"timestamp"`
}

// EventType извлекает поле type из сырого payload'а, не разбирая его
// целиком. Применяется для фильтрации чужих событий в топике order_results.
func EventType(data []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.Type
}

// ParseOrderResult разбирает и валидирует order_result из pub/sub сообщения
func ParseOrderResult(data []byte) (*OrderResult, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var raw map[string]interface{}
	if err := Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid order_result json: %w", err)
	}

	res := &OrderResult{
		OrderID:          asString(raw["order_id"]),
		Status:           strings.ToUpper(asString(raw["status"])),
		Symbol:           asString(raw["symbol"]),
		Side:             strings.ToUpper(asString(raw["side"])),
		Quantity:         asFloat(raw["quantity"], 0),
		FilledQuantity:   asFloat(raw["filled_quantity"], 0),
		StrategyID:       asString(raw["strategy_id"]),
		BotID:            asString(raw["bot_id"]),
		ClientID:         asString(raw["client_id"]),
		ErrorMessage:     asString(raw["error_message"]),
		RejectReasonCode: asString(raw["reject_reason_code"]),
		Timestamp:        ParseTimestamp(raw["timestamp"]),
	}

	if res.OrderID == "" {
		return nil, fmt.Errorf("order_result without order_id")
	}
	switch res.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusError:
	default:
		return nil, fmt.Errorf("unknown order_result status: %q", asString(raw["status"]))
	}
	if res.Side == "" {
		res.Side = SideBuy
	}
	if res.Side != SideBuy && res.Side != SideSell {
		return nil, fmt.Errorf("unknown order_result side: %q", asString(raw["side"]))
	}

	if v, ok := raw["price"]; ok && v != nil {
		p := asFloat(v, 0)
		res.Price = &p
	}

	return res, nil
}
