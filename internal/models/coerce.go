package models

import (
	"strconv"
	"time"
)

// Хелперы защитной типизации для динамических payload'ов.
//
// Внешние сервисы пишут в стримы строками (redis stream values),
// в pub/sub топики - JSON'ом с нестрогими типами. Все преобразования
// на границе идут через эти функции: некорректное значение превращается
// в дефолт, а не в панику.

// asFloat приводит значение к float64 (число или строка с числом)
func asFloat(v interface{}, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
	}
	return def
}

// asInt64 приводит значение к int64
func asInt64(v interface{}, def int64) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		if i, err := strconv.ParseInt(x, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int64(f)
		}
	}
	return def
}

// asString приводит значение к строке
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// ParseTimestamp разбирает timestamp из unix-секунд (число/строка)
// или ISO-8601 строки. Возвращает 0, если значение не распознано.
func ParseTimestamp(v interface{}) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		if x == "" {
			return 0
		}
		if ts, err := time.Parse(time.RFC3339, x); err == nil {
			return ts.Unix()
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}
