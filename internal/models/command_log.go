package models

import (
	"time"

	"github.com/google/uuid"
)

// CommandOutcome is how a device command was resolved
type CommandOutcome string

const (
	CommandSuccess   CommandOutcome = "success"
	CommandFailure   CommandOutcome = "failure"
	CommandTimeout   CommandOutcome = "timeout"
	CommandCancelled CommandOutcome = "cancelled"
)

// CommandLog is the audit record of one device command
type CommandLog struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
	DeviceIMEI    string         `json:"imei" db:"device_imei"`
	CorrelationID string         `json:"correlationId" db:"correlation_id"`
	Key           string         `json:"key" db:"command_key"`
	Payload       Variables      `json:"payload" db:"payload"`
	Outcome       CommandOutcome `json:"outcome" db:"outcome"`
	AckPID        string         `json:"ackPid,omitempty" db:"ack_pid"`
	Error         string         `json:"error,omitempty" db:"error"`
	SentAt        time.Time      `json:"sentAt" db:"sent_at"`
	LatencyMS     int64          `json:"latencyMs" db:"latency_ms"`
}
