package command

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/models"
	"github.com/evcharge/chargelink/pkg/deviceid"
)

// DeviceLookup confirms a device belongs to the operator.
type DeviceLookup interface {
	GetDevice(ctx context.Context, imei string) (*models.Device, error)
}

// Selector owns the channel of the currently selected device. Switching
// devices tears the old channel down and builds a fresh one.
type Selector struct {
	opts    Options
	devices DeviceLookup

	mu      sync.Mutex
	current *Channel
}

// NewSelector creates a selector. devices may be nil to skip the registry check.
func NewSelector(opts Options, devices DeviceLookup) *Selector {
	return &Selector{opts: opts, devices: devices}
}

// Select binds a new channel to deviceID. Selecting the current device
// returns its channel unchanged. When the broker is unreachable the new
// channel is still returned, along with the error, and keeps retrying.
func (s *Selector) Select(ctx context.Context, deviceID string) (*Channel, error) {
	id := deviceid.Normalize(deviceID)
	if id == "" {
		return nil, ErrInvalidDevice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.DeviceID() == id {
		return s.current, nil
	}

	if s.devices != nil {
		if _, err := s.devices.GetDevice(ctx, id); err != nil {
			return nil, fmt.Errorf("lookup device %s: %w", id, err)
		}
	}

	if s.current != nil {
		s.current.Disconnect()
		s.current = nil
	}

	ch := NewChannel(s.opts)
	s.current = ch

	log.Info().Str("deviceID", id).Msg("Device selected")

	if err := ch.Connect(ctx, id); err != nil {
		return ch, err
	}
	return ch, nil
}

// Current returns the channel of the selected device, or nil.
func (s *Selector) Current() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close disconnects and forgets the selected device.
func (s *Selector) Close() {
	s.mu.Lock()
	ch := s.current
	s.current = nil
	s.mu.Unlock()

	if ch != nil {
		ch.Disconnect()
	}
}
