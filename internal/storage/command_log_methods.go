package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evcharge/chargelink/internal/models"
)

const commandLogColumns = `id, created_at, device_imei, correlation_id, command_key,
        payload, outcome, ack_pid, error, sent_at, latency_ms`

// CreateCommandLog creates a command log entry
func (s *PostgresStore) CreateCommandLog(ctx context.Context, entry *models.CommandLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO command_logs (` + commandLogColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		entry.ID, entry.CreatedAt, entry.DeviceIMEI, entry.CorrelationID,
		entry.Key, entry.Payload, entry.Outcome, entry.AckPID, entry.Error,
		entry.SentAt, entry.LatencyMS,
	)
	return err
}

// GetCommandLog gets a command log entry by ID
func (s *PostgresStore) GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	query := "SELECT " + commandLogColumns + " FROM command_logs WHERE id = $1"

	entry, err := scanCommandLog(s.getDB().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListCommandLogs lists command logs with filters, newest first
func (s *PostgresStore) ListCommandLogs(ctx context.Context, filters CommandLogFilters, limit, offset int) ([]*models.CommandLog, int64, error) {
	where, args := commandLogWhere(filters)

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM command_logs"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + commandLogColumns + " FROM command_logs" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*models.CommandLog
	for rows.Next() {
		entry, err := scanCommandLog(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	return entries, count, rows.Err()
}

// commandLogWhere builds the WHERE clause for the given filters
func commandLogWhere(filters CommandLogFilters) (string, []interface{}) {
	query := " WHERE 1=1"
	args := []interface{}{}

	if filters.DeviceIMEI != nil {
		args = append(args, *filters.DeviceIMEI)
		query += fmt.Sprintf(" AND device_imei = $%d", len(args))
	}

	if filters.Key != nil {
		args = append(args, *filters.Key)
		query += fmt.Sprintf(" AND command_key = $%d", len(args))
	}

	if filters.Outcome != nil {
		args = append(args, string(*filters.Outcome))
		query += fmt.Sprintf(" AND outcome = $%d", len(args))
	}

	if filters.StartTime != nil {
		args = append(args, *filters.StartTime)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	if filters.EndTime != nil {
		args = append(args, *filters.EndTime)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	return query, args
}

func scanCommandLog(row rowScanner) (*models.CommandLog, error) {
	entry := &models.CommandLog{}
	err := row.Scan(
		&entry.ID, &entry.CreatedAt, &entry.DeviceIMEI, &entry.CorrelationID,
		&entry.Key, &entry.Payload, &entry.Outcome, &entry.AckPID, &entry.Error,
		&entry.SentAt, &entry.LatencyMS,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
