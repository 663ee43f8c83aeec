package models

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/json-iterator/go/extra"
)

// JSON - единый кодек для всех входящих/исходящих payload'ов и снапшота.
//
// Fuzzy-декодеры обеспечивают терпимость к типам на границе системы:
// число, пришедшее строкой ("0.05"), декодируется в float64 без ошибки.
// Это часть контракта crash-recovery: снапшот должен восстанавливаться
// даже если другой сервис записал числовые поля строками.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	extra.RegisterFuzzyDecoders()
}

// Marshal сериализует значение единым кодеком
func Marshal(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// Unmarshal десериализует значение единым кодеком
func Unmarshal(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}
