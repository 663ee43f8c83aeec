package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskmanager/internal/models"
)

// Ошибки журнала алертов
var (
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertRecord - строка таблицы alerts
type AlertRecord struct {
	ID        int64
	Level     string
	Code      string
	Message   string
	Context   string // JSON
	Timestamp int64
	CreatedAt time.Time
}

// AlertRepository - долговременный журнал алертов поверх Postgres.
// Журнал вторичен по отношению к топику alerts: ошибка записи
// не останавливает обработку событий.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository создает новый экземпляр репозитория
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// RecordAlert сохраняет алерт в журнал
func (r *AlertRepository) RecordAlert(ctx context.Context, alert *models.Alert) error {
	contextJSON, err := models.Marshal(alert.Context)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (level, code, message, context, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.ExecContext(
		ctx,
		query,
		alert.Level,
		alert.Code,
		alert.Message,
		string(contextJSON),
		alert.Timestamp,
		time.Now(),
	)
	return err
}

// GetRecent возвращает последние алерты, новые первыми
func (r *AlertRepository) GetRecent(ctx context.Context, limit int) ([]*AlertRecord, error) {
	query := `
		SELECT id, level, code, message, context, timestamp, created_at
		FROM alerts
		ORDER BY id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AlertRecord
	for rows.Next() {
		rec := &AlertRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Level,
			&rec.Code,
			&rec.Message,
			&rec.Context,
			&rec.Timestamp,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// GetByID возвращает алерт по ID
func (r *AlertRepository) GetByID(ctx context.Context, id int64) (*AlertRecord, error) {
	query := `
		SELECT id, level, code, message, context, timestamp, created_at
		FROM alerts
		WHERE id = $1`

	rec := &AlertRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Level,
		&rec.Code,
		&rec.Message,
		&rec.Context,
		&rec.Timestamp,
		&rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CountByLevel возвращает количество алертов уровня level
func (r *AlertRepository) CountByLevel(ctx context.Context, level string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE level = $1`, level).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan удаляет алерты старше cutoff, возвращает число удалённых
func (r *AlertRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
