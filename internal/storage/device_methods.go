package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/evcharge/chargelink/internal/models"
)

// ========== Device Methods ==========

// UpsertDevice creates a device or updates the one with the same IMEI
func (s *PostgresStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	if device.IMEI == "" {
		return ErrInvalidData
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, imei, created_at, updated_at, name, description,
            phone_number, is_disabled, variables
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (imei) DO UPDATE SET
            updated_at = EXCLUDED.updated_at,
            name = EXCLUDED.name,
            description = EXCLUDED.description,
            phone_number = EXCLUDED.phone_number,
            is_disabled = EXCLUDED.is_disabled,
            variables = EXCLUDED.variables
        RETURNING id, created_at`

	return s.getDB().QueryRowContext(ctx, query,
		device.ID, device.IMEI, device.CreatedAt, device.UpdatedAt,
		device.Name, device.Description, device.PhoneNumber,
		device.IsDisabled, device.Variables,
	).Scan(&device.ID, &device.CreatedAt)
}

// GetDevice gets a device by IMEI
func (s *PostgresStore) GetDevice(ctx context.Context, imei string) (*models.Device, error) {
	query := `
        SELECT id, imei, created_at, updated_at, name, description,
               phone_number, is_disabled, variables, last_command_at
        FROM devices WHERE imei = $1`

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, imei))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return device, err
}

// ListDevices lists devices ordered by name
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, imei, created_at, updated_at, name, description,
               phone_number, is_disabled, variables, last_command_at
        FROM devices ORDER BY name, imei LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, rows.Err()
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, imei string) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE imei = $1", imei)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchDevice records when the device last received a command
func (s *PostgresStore) TouchDevice(ctx context.Context, imei string, at time.Time) error {
	_, err := s.getDB().ExecContext(ctx,
		"UPDATE devices SET last_command_at = $2 WHERE imei = $1", imei, at)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}
	var lastCommandAt sql.NullTime

	err := row.Scan(
		&device.ID, &device.IMEI, &device.CreatedAt, &device.UpdatedAt,
		&device.Name, &device.Description, &device.PhoneNumber,
		&device.IsDisabled, &device.Variables, &lastCommandAt,
	)
	if err != nil {
		return nil, err
	}

	if lastCommandAt.Valid {
		device.LastCommandAt = &lastCommandAt.Time
	}
	return device, nil
}
