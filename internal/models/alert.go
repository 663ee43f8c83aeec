package models

// Уровни важности алертов
const (
	AlertLevelInfo     = "INFO"
	AlertLevelWarning  = "WARNING"
	AlertLevelCritical = "CRITICAL"
)

// Коды алертов
const (
	AlertCodeMissingStrategyID = "MISSING_STRATEGY_ID" // сигнал без strategy_id
	AlertCodeCircuitBreaker    = "CIRCUIT_BREAKER"     // срабатывание/активность предохранителя
	AlertCodeRiskLimit         = "RISK_LIMIT"          // нарушение лимита экспозиции/размера
	AlertCodeExecutionError    = "EXECUTION_ERROR"     // сбой на стороне execution-сервиса
)

// Alert - событие о нарушении риск-лимита или сбое,
// публикуется в топик alerts
type Alert struct {
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
	Timestamp int64                  `json:"timestamp"`
}

// NewAlert создает алерт с проставленным типом события
func NewAlert(level, code, message string, context map[string]interface{}, ts int64) *Alert {
	if context == nil {
		context = map[string]interface{}{}
	}
	return &Alert{
		Type:      EventTypeAlert,
		Level:     level,
		Code:      code,
		Message:   message,
		Context:   context,
		Timestamp: ts,
	}
}
