package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evcharge/chargelink/internal/models"
)

// MemoryStore keeps everything in process memory. It is used when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	commands []*models.CommandLog
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*models.Device)}
}

// BeginTx returns the store itself; writes are applied immediately
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// UpsertDevice creates a device or updates the one with the same IMEI
func (s *MemoryStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	if device.IMEI == "" {
		return ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.devices[device.IMEI]; ok {
		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
		device.LastCommandAt = existing.LastCommandAt
	} else {
		if device.ID == uuid.Nil {
			device.ID = uuid.New()
		}
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	cp := *device
	s.devices[device.IMEI] = &cp
	return nil
}

// GetDevice gets a device by IMEI
func (s *MemoryStore) GetDevice(ctx context.Context, imei string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[imei]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDevices lists devices ordered by name
func (s *MemoryStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	all := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].IMEI < all[j].IMEI
	})

	return page(all, limit, offset), int64(len(all)), nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(ctx context.Context, imei string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[imei]; !ok {
		return ErrNotFound
	}
	delete(s.devices, imei)
	return nil
}

// TouchDevice records when the device last received a command
func (s *MemoryStore) TouchDevice(ctx context.Context, imei string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[imei]; ok {
		t := at
		d.LastCommandAt = &t
	}
	return nil
}

// CreateCommandLog creates a command log entry
func (s *MemoryStore) CreateCommandLog(ctx context.Context, entry *models.CommandLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	cp := *entry
	s.commands = append(s.commands, &cp)
	s.mu.Unlock()
	return nil
}

// GetCommandLog gets a command log entry by ID
func (s *MemoryStore) GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.commands {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListCommandLogs lists command logs with filters, newest first
func (s *MemoryStore) ListCommandLogs(ctx context.Context, filters CommandLogFilters, limit, offset int) ([]*models.CommandLog, int64, error) {
	s.mu.RLock()
	var matched []*models.CommandLog
	for i := len(s.commands) - 1; i >= 0; i-- {
		c := s.commands[i]
		if !matchCommandLog(c, filters) {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return page(matched, limit, offset), int64(len(matched)), nil
}

func matchCommandLog(c *models.CommandLog, f CommandLogFilters) bool {
	if f.DeviceIMEI != nil && c.DeviceIMEI != *f.DeviceIMEI {
		return false
	}
	if f.Key != nil && c.Key != *f.Key {
		return false
	}
	if f.Outcome != nil && c.Outcome != *f.Outcome {
		return false
	}
	if f.StartTime != nil && c.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && c.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
