package risk

import (
	"errors"
	"fmt"
	"math"
)

// Допуски при сравнении количеств.
// posEpsilon - порог "позиция закрыта", qtyEpsilon - остаток лота.
const (
	posEpsilon = 1e-6
	qtyEpsilon = 1e-8
)

// Ошибки применения фила
var (
	ErrInvalidFill = errors.New("invalid fill")
)

// Lot - открытая часть позиции (FIFO-транш).
// Списывается старейшим первым при встречном филе.
type Lot struct {
	Qty   float64 `json:"qty"`
	Price float64 `json:"price"`
}

// FailureRecord - запись истории сбоев исполнения
type FailureRecord struct {
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// RiskState - изменяемый риск-леджер процесса.
//
// Один экземпляр на процесс: equity/drawdown, позиции (FIFO-лоты),
// экспозиция по ботам, статус предохранителя, блок-листы, история сбоев.
// Не потокобезопасен сам по себе: все read-modify-write последовательности
// сериализуются мьютексом Engine.
type RiskState struct {
	Equity        float64
	PeakEquity    float64
	InitialEquity float64
	TradingDay    string

	CurrentDrawdownPct float64
	MaxDrawdownPct     float64
	RealizedPnl        float64

	// Нетто-позиции по символам и их FIFO-лоты.
	// Инвариант: сумма лотов == |Positions[symbol]|, ключ удаляется
	// при нетто ~0.
	Positions map[string]float64
	Lots      map[string][]Lot

	// Зеркало Positions, секционированное по bot_key (bot_id или
	// strategy_id) для лимитов экспозиции на бота
	BotPositions map[string]map[string]float64

	// Последняя цена фила по символу
	LastPrices map[string]float64

	CircuitBreakerActive      bool
	CircuitBreakerReason      string
	CircuitBreakerTriggeredAt int64
	ConsecutiveFailures       int
	FailureHistory            []FailureRecord

	// Блок-листы: только пополняются, чистятся только явным reset'ом
	ShutdownStrategyIDs []string
	ShutdownBotIDs      []string

	PendingOrders   int
	SignalsApproved int
	SignalsBlocked  int
}

// NewRiskState создает пустой леджер
func NewRiskState() *RiskState {
	return &RiskState{
		Positions:    make(map[string]float64),
		Lots:         make(map[string][]Lot),
		BotPositions: make(map[string]map[string]float64),
		LastPrices:   make(map[string]float64),
	}
}

// InitializeEquity устанавливает стартовый капитал.
// Вызывается один раз при старте после получения баланса счёта.
// Торговый день не перезаписывается, если уже восстановлен из снапшота:
// ролловер обрабатывает Engine.
func (s *RiskState) InitializeEquity(balance float64, day string) {
	s.Equity = balance
	s.PeakEquity = balance
	s.InitialEquity = balance
	if s.TradingDay == "" {
		s.TradingDay = day
	}
}

// UpdateEquity пересчитывает drawdown после изменения equity.
//
// Инварианты: PeakEquity >= Equity; MaxDrawdownPct монотонно
// не убывает внутри торгового дня. При PeakEquity <= 0 просадка
// определена как 1.0.
func (s *RiskState) UpdateEquity() {
	if s.Equity > s.PeakEquity {
		s.PeakEquity = s.Equity
	}
	if s.PeakEquity <= 0 {
		s.CurrentDrawdownPct = 1.0
	} else {
		s.CurrentDrawdownPct = (s.PeakEquity - s.Equity) / s.PeakEquity
	}
	if s.CurrentDrawdownPct > s.MaxDrawdownPct {
		s.MaxDrawdownPct = s.CurrentDrawdownPct
	}
}

// ApplyFill применяет фил к леджеру.
//
// BUY кладёт FIFO-лот и увеличивает нетто-позицию. SELL списывает лоты
// старейшим первым; реализованный P&L каждого списанного лота
// (qty * (price - lot.price)) добавляется к equity. Короткая сторона
// симметрична: BUY против короткой позиции закрывает короткие лоты.
//
// Вся валидация идёт до мутации: некорректный фил (нечисловые qty/price)
// возвращает ошибку, не трогая существующие лоты.
func (s *RiskState) ApplyFill(symbol, side string, qty, price float64, botKey string) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidFill)
	}
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("%w: side %q", ErrInvalidFill, side)
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return fmt.Errorf("%w: quantity %v", ErrInvalidFill, qty)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidFill, price)
	}
	if botKey == "" {
		botKey = "unknown"
	}

	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	position := s.Positions[symbol]
	lots := s.Lots[symbol]
	remaining := qty
	realized := 0.0

	// Встречный фил сначала закрывает существующие лоты
	closing := (side == "SELL" && position > posEpsilon) ||
		(side == "BUY" && position < -posEpsilon)
	if closing {
		for remaining > qtyEpsilon && len(lots) > 0 {
			lot := lots[0]
			take := math.Min(remaining, lot.Qty)
			if side == "SELL" {
				realized += take * (price - lot.Price)
			} else {
				realized += take * (lot.Price - price)
			}
			lot.Qty -= take
			remaining -= take
			if lot.Qty <= qtyEpsilon {
				lots = lots[1:]
			} else {
				lots[0] = lot
			}
		}
	}

	// Остаток открывает новый лот в направлении фила
	if remaining > qtyEpsilon {
		lots = append(lots, Lot{Qty: remaining, Price: price})
	}

	newPosition := position + signed
	if math.Abs(newPosition) < posEpsilon {
		delete(s.Positions, symbol)
		delete(s.Lots, symbol)
	} else {
		s.Positions[symbol] = newPosition
		s.Lots[symbol] = lots
	}

	book := s.BotPositions[botKey]
	if book == nil {
		book = make(map[string]float64)
		s.BotPositions[botKey] = book
	}
	botQty := book[symbol] + signed
	if math.Abs(botQty) < posEpsilon {
		delete(book, symbol)
		if len(book) == 0 {
			delete(s.BotPositions, botKey)
		}
	} else {
		book[symbol] = botQty
	}

	s.LastPrices[symbol] = price

	if realized != 0 {
		s.RealizedPnl += realized
		s.Equity += realized
	}
	s.UpdateEquity()

	return nil
}

// TotalExposure возвращает суммарную экспозицию (нотационал) по всем
// открытым позициям по последним известным ценам
func (s *RiskState) TotalExposure() float64 {
	total := 0.0
	for symbol, qty := range s.Positions {
		total += math.Abs(qty) * s.LastPrices[symbol]
	}
	return total
}

// OpenPositions возвращает число открытых позиций
func (s *RiskState) OpenPositions() int {
	count := 0
	for _, qty := range s.Positions {
		if math.Abs(qty) > posEpsilon {
			count++
		}
	}
	return count
}

// RecordExecutionFailure фиксирует сбой исполнения и решает, пора ли
// выбивать предохранитель.
//
// Предохранитель срабатывает при maxConsecutive подряд идущих сбоях
// или при maxFailures сбоях в скользящем окне windowSec.
// Возвращает true, если предохранитель выбит этим вызовом.
func (s *RiskState) RecordExecutionFailure(ts int64, reason string, maxConsecutive, maxFailures int, windowSec int64) bool {
	s.FailureHistory = append(s.FailureHistory, FailureRecord{Timestamp: ts, Reason: reason})
	s.ConsecutiveFailures++

	tripped := false
	if maxConsecutive > 0 && s.ConsecutiveFailures >= maxConsecutive {
		tripped = true
	}
	if !tripped && maxFailures > 0 {
		cutoff := ts - windowSec
		inWindow := 0
		for _, rec := range s.FailureHistory {
			if rec.Timestamp >= cutoff {
				inWindow++
			}
		}
		if inWindow >= maxFailures {
			tripped = true
		}
	}

	if tripped {
		s.CircuitBreakerActive = true
		s.CircuitBreakerReason = reason
		if s.CircuitBreakerTriggeredAt == 0 {
			s.CircuitBreakerTriggeredAt = ts
		}
	}

	return tripped
}

// RecordExecutionSuccess сбрасывает счётчик подряд идущих сбоев.
// История сбоев и активный предохранитель НЕ сбрасываются:
// предохранитель защёлкнут до cooldown'а или явного reset'а.
func (s *RiskState) RecordExecutionSuccess() {
	s.ConsecutiveFailures = 0
}

// ResetCircuitBreaker закрывает предохранитель (переход OPEN -> CLOSED)
func (s *RiskState) ResetCircuitBreaker() {
	s.CircuitBreakerActive = false
	s.CircuitBreakerReason = ""
	s.CircuitBreakerTriggeredAt = 0
	s.ConsecutiveFailures = 0
}

// ResetDailyMetrics начинает новый торговый день: базой просадки
// становится текущий equity, max_drawdown обнуляется
func (s *RiskState) ResetDailyMetrics(day string) {
	s.TradingDay = day
	s.PeakEquity = s.Equity
	s.MaxDrawdownPct = 0
	s.UpdateEquity()
}

// HasStrategyShutdown проверяет strategy_id в блок-листе
func (s *RiskState) HasStrategyShutdown(strategyID string) bool {
	return containsString(s.ShutdownStrategyIDs, strategyID)
}

// HasBotShutdown проверяет bot_id в блок-листе
func (s *RiskState) HasBotShutdown(botID string) bool {
	return containsString(s.ShutdownBotIDs, botID)
}

// AddShutdown добавляет идентификаторы в блок-листы (идемпотентно)
func (s *RiskState) AddShutdown(strategyID, botID string) {
	if strategyID != "" && !containsString(s.ShutdownStrategyIDs, strategyID) {
		s.ShutdownStrategyIDs = append(s.ShutdownStrategyIDs, strategyID)
	}
	if botID != "" && !containsString(s.ShutdownBotIDs, botID) {
		s.ShutdownBotIDs = append(s.ShutdownBotIDs, botID)
	}
}

// RemoveShutdown убирает идентификаторы из блок-листов
func (s *RiskState) RemoveShutdown(strategyID, botID string) {
	if strategyID != "" {
		s.ShutdownStrategyIDs = removeString(s.ShutdownStrategyIDs, strategyID)
	}
	if botID != "" {
		s.ShutdownBotIDs = removeString(s.ShutdownBotIDs, botID)
	}
}

// ClearShutdowns очищает оба блок-листа
func (s *RiskState) ClearShutdowns() {
	s.ShutdownStrategyIDs = nil
	s.ShutdownBotIDs = nil
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
