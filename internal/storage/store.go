package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/evcharge/chargelink/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	UpsertDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, imei string) (*models.Device, error)
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)
	DeleteDevice(ctx context.Context, imei string) error
	TouchDevice(ctx context.Context, imei string, at time.Time) error

	// Command log methods
	CreateCommandLog(ctx context.Context, log *models.CommandLog) error
	GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error)
	ListCommandLogs(ctx context.Context, filters CommandLogFilters, limit, offset int) ([]*models.CommandLog, int64, error)

	// Close the store
	Close() error
}

// CommandLogFilters represents filters for command logs
type CommandLogFilters struct {
	DeviceIMEI *string
	Key        *string
	Outcome    *models.CommandOutcome
	StartTime  *time.Time
	EndTime    *time.Time
}
