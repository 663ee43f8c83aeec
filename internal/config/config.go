package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию сервиса
type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Journal JournalConfig
	Risk    RiskConfig
	Breaker BreakerConfig
	Topics  TopicsConfig
	Streams StreamsConfig
	Logging LoggingConfig
}

// ServerConfig - настройки HTTP сервера (health/status/metrics/ws)
type ServerConfig struct {
	Host string
	Port int
}

// RedisConfig - настройки подключения к шине событий и хранилищу снапшота
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Параметры чтения стримов
	ReadBlock time.Duration // блокирующее ожидание XREAD
	ReadCount int64         // максимум записей за одно чтение

	// Ключ снапшота RiskState
	StateKey string
}

// JournalConfig - настройки журнала алертов (Postgres, опционально)
type JournalConfig struct {
	DSN string // пустой DSN отключает журнал
}

// RiskConfig - риск-лимиты
type RiskConfig struct {
	MaxPositionPct       float64 // доля капитала на одну позицию
	MaxTotalExposurePct  float64 // доля капитала на суммарную экспозицию
	MaxSymbolExposurePct float64
	MaxBotExposurePct    float64
	MaxDailyDrawdownPct  float64
	StopLossPct          float64

	UseLiveBalance  bool
	TestBalance     float64
	FallbackBalance float64

	// E2E-тесты: отключает guard-слои (breaker/блок-листы/лимиты).
	// В production всегда false.
	E2EDisableCircuitBreaker bool
}

// BreakerConfig - настройки circuit breaker'а
type BreakerConfig struct {
	CooldownSec            int64 // 0 отключает авто-сброс по таймеру
	MaxConsecutiveFailures int
	MaxFailures            int
	FailureWindowSec       int64
}

// TopicsConfig - pub/sub топики
type TopicsConfig struct {
	Signals      string
	OrderResults string
	Orders       string
	Alerts       string
}

// StreamsConfig - ordered стримы
type StreamsConfig struct {
	Orders      string
	Regime      string
	Allocation  string
	BotShutdown string
	RiskReset   string

	// Ограничение длины исходящих стримов (XADD MAXLEN ~)
	MaxLen int64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8002),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "redis"),
			Port:      getEnvAsInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			ReadBlock: getEnvAsDuration("STREAM_READ_BLOCK", 1*time.Second),
			ReadCount: int64(getEnvAsInt("STREAM_READ_COUNT", 10)),
			StateKey:  getEnv("RISK_STATE_KEY", "risk_manager:state"),
		},
		Journal: JournalConfig{
			DSN: getEnv("ALERT_JOURNAL_DSN", ""),
		},
		Risk: RiskConfig{
			MaxPositionPct:       getEnvAsFloat("MAX_POSITION_PCT", 0.10),
			MaxTotalExposurePct:  getEnvAsFloat("MAX_TOTAL_EXPOSURE_PCT", 0.30),
			MaxSymbolExposurePct: getEnvAsFloat("MAX_SYMBOL_EXPOSURE_PCT", 0.15),
			MaxBotExposurePct:    getEnvAsFloat("MAX_BOT_EXPOSURE_PCT", 0.20),
			MaxDailyDrawdownPct:  getEnvAsFloat("MAX_DAILY_DRAWDOWN_PCT", 0.05),
			StopLossPct:          getEnvAsFloat("STOP_LOSS_PCT", 0.02),

			UseLiveBalance:  getEnvAsBool("USE_LIVE_BALANCE", false),
			TestBalance:     getEnvAsFloat("TEST_BALANCE", 10000),
			FallbackBalance: getEnvAsFloat("FALLBACK_BALANCE", 100),

			E2EDisableCircuitBreaker: getEnvAsBool("E2E_DISABLE_CIRCUIT_BREAKER", false),
		},
		Breaker: BreakerConfig{
			CooldownSec:            int64(getEnvAsInt("CIRCUIT_BREAKER_COOLDOWN_SEC", 0)),
			MaxConsecutiveFailures: getEnvAsInt("CIRCUIT_BREAKER_MAX_CONSECUTIVE_FAILURES", 3),
			MaxFailures:            getEnvAsInt("CIRCUIT_BREAKER_MAX_FAILURES", 5),
			FailureWindowSec:       int64(getEnvAsInt("CIRCUIT_BREAKER_FAILURE_WINDOW_SEC", 3600)),
		},
		Topics: TopicsConfig{
			Signals:      getEnv("INPUT_TOPIC", "signals"),
			OrderResults: getEnv("INPUT_TOPIC_ORDER_RESULTS", "order_results"),
			Orders:       getEnv("OUTPUT_TOPIC_ORDERS", "orders"),
			Alerts:       getEnv("OUTPUT_TOPIC_ALERTS", "alerts"),
		},
		Streams: StreamsConfig{
			Orders:      getEnv("ORDERS_STREAM", "orders_stream"),
			Regime:      getEnv("REGIME_STREAM", "regime_stream"),
			Allocation:  getEnv("ALLOCATION_STREAM", "allocation_stream"),
			BotShutdown: getEnv("BOT_SHUTDOWN_STREAM", "bot_shutdown_stream"),
			RiskReset:   getEnv("RISK_RESET_STREAM", "risk_reset_stream"),
			MaxLen:      int64(getEnvAsInt("STREAM_MAX_LEN", 10000)),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны риск-лимитов
func (c *Config) validateRanges() error {
	pcts := []struct {
		name  string
		value float64
	}{
		{"MAX_POSITION_PCT", c.Risk.MaxPositionPct},
		{"MAX_TOTAL_EXPOSURE_PCT", c.Risk.MaxTotalExposurePct},
		{"MAX_SYMBOL_EXPOSURE_PCT", c.Risk.MaxSymbolExposurePct},
		{"MAX_BOT_EXPOSURE_PCT", c.Risk.MaxBotExposurePct},
		{"MAX_DAILY_DRAWDOWN_PCT", c.Risk.MaxDailyDrawdownPct},
	}
	for _, p := range pcts {
		if p.value <= 0 || p.value > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", p.name, p.value)
		}
	}

	if c.Risk.StopLossPct < 0 || c.Risk.StopLossPct > 1 {
		return fmt.Errorf("STOP_LOSS_PCT must be in [0, 1], got %v", c.Risk.StopLossPct)
	}
	if c.Breaker.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_MAX_CONSECUTIVE_FAILURES must be >= 0")
	}
	if c.Breaker.MaxFailures < 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_MAX_FAILURES must be >= 0")
	}
	if c.Breaker.FailureWindowSec <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_WINDOW_SEC must be > 0")
	}
	if c.Streams.MaxLen <= 0 {
		return fmt.Errorf("STREAM_MAX_LEN must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be in (0, 65535], got %d", c.Server.Port)
	}

	return nil
}

// getEnv читает строковую переменную окружения с fallback значением
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt читает целочисленную переменную окружения
func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsFloat читает float переменную окружения
func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool читает булеву переменную окружения
func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsDuration читает duration переменную окружения
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
