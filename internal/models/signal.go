package models

import (
	"errors"
	"fmt"
	"strings"
)

// Стороны ордера
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Ошибки разбора входящих событий
var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrMissingSymbol = errors.New("signal without symbol")
)

// Signal - торговый сигнал от strategy engine.
//
// Приходит по pub/sub топику signals, неизменяем после приёма.
// strategy_id обязателен для допуска к торговле, но его отсутствие -
// не ошибка разбора: такой сигнал должен дойти до pipeline и быть
// отклонён с CRITICAL алертом MISSING_STRATEGY_ID.
type Signal struct {
	SignalID   string   `json:"signal_id,omitempty"`
	StrategyID string   `json:"strategy_id,omitempty"`
	BotID      string   `json:"bot_id,omitempty"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Price      *float64 `json:"price,omitempty"`
	PctChange  *float64 `json:"pct_change,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// ParseSignal разбирает и валидирует сигнал из pub/sub сообщения.
//
// Невалидный payload (не-JSON, без symbol, неизвестная сторона)
// возвращает ошибку: событие отбрасывается без мутации состояния.
func ParseSignal(data []byte) (*Signal, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var raw map[string]interface{}
	if err := Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid signal json: %w", err)
	}

	sig := &Signal{
		SignalID:   asString(raw["signal_id"]),
		StrategyID: asString(raw["strategy_id"]),
		BotID:      asString(raw["bot_id"]),
		Symbol:     asString(raw["symbol"]),
		Side:       strings.ToUpper(asString(raw["side"])),
		Reason:     asString(raw["reason"]),
		Timestamp:  ParseTimestamp(raw["timestamp"]),
	}

	if sig.Symbol == "" {
		return nil, ErrMissingSymbol
	}
	if sig.Side != SideBuy && sig.Side != SideSell {
		return nil, fmt.Errorf("unknown signal side: %q", asString(raw["side"]))
	}

	if v, ok := raw["price"]; ok && v != nil {
		p := asFloat(v, 0)
		sig.Price = &p
	}
	if v, ok := raw["pct_change"]; ok && v != nil {
		p := asFloat(v, 0)
		sig.PctChange = &p
	}
	if v, ok := raw["confidence"]; ok && v != nil {
		c := asFloat(v, 0)
		sig.Confidence = &c
	}

	return sig, nil
}
