package command

import (
	"context"
	"fmt"

	"github.com/evcharge/chargelink/internal/models"
	"github.com/evcharge/chargelink/internal/storage"
)

// StoreRecorder writes resolved commands to the audit log.
type StoreRecorder struct {
	store storage.Store
}

// NewStoreRecorder creates a recorder backed by store.
func NewStoreRecorder(store storage.Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// RecordCommand stores res and stamps the device's last command time.
func (r *StoreRecorder) RecordCommand(ctx context.Context, res Result) error {
	entry := &models.CommandLog{
		DeviceIMEI:    res.DeviceID,
		CorrelationID: res.CorrelationID,
		Key:           res.Command.Key,
		Payload:       models.Variables{res.Command.Key: res.Command.Value},
		Outcome:       models.CommandOutcome(res.Outcome),
		SentAt:        res.SentAt,
		LatencyMS:     res.Latency.Milliseconds(),
	}
	if res.Ack != nil {
		entry.AckPID = res.Ack.CorrelationID
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}

	if err := r.store.CreateCommandLog(ctx, entry); err != nil {
		return fmt.Errorf("create command log: %w", err)
	}
	if err := r.store.TouchDevice(ctx, res.DeviceID, res.SentAt); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
