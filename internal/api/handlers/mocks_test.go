package handlers

import (
	"context"
	"errors"

	"riskmanager/internal/repository"
	"riskmanager/internal/risk"
)

// Общие ошибки для мок-сервисов
var ErrMockDatabase = errors.New("mock database error")

// mockStatusProvider отдаёт фиксированный срез состояния
type mockStatusProvider struct {
	view risk.StatusView
}

func (m *mockStatusProvider) Status() risk.StatusView {
	return m.view
}

// mockAlertReader отдаёт заданные записи журнала или ошибку
type mockAlertReader struct {
	records   []*repository.AlertRecord
	err       error
	lastLimit int
}

func (m *mockAlertReader) GetRecent(ctx context.Context, limit int) ([]*repository.AlertRecord, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}
