package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command keys understood by the charger firmware.
const (
	KeySOS    = "sos"
	KeyPhone  = "phone"
	KeyStatus = "query"
)

// Command is one key/value instruction for a device.
type Command struct {
	Key   string      `json:"key" validate:"required"`
	Value interface{} `json:"value"`
}

// SOS switches the emergency engine cutoff.
func SOS(on bool) Command {
	return Command{Key: KeySOS, Value: flag(on)}
}

// SetPhone provisions the alarm phone number.
func SetPhone(number string) Command {
	return Command{Key: KeyPhone, Value: number}
}

// QueryStatus asks the device to report its state.
func QueryStatus() Command {
	return Command{Key: KeyStatus, Value: 1}
}

func flag(on bool) int {
	if on {
		return 1
	}
	return 0
}

// ErrInvalidCommand is returned for commands that cannot be encoded.
var ErrInvalidCommand = errors.New("invalid command")

// Validate rejects commands that would clobber the envelope fields.
func (c Command) Validate() error {
	switch c.Key {
	case "":
		return fmt.Errorf("%w: key is required", ErrInvalidCommand)
	case fieldDevice, fieldCorrelation:
		return fmt.Errorf("%w: key %q is reserved", ErrInvalidCommand, c.Key)
	}
	return nil
}

// encodeRequest builds {"imei": id, "pid": platformID, key: value}.
func encodeRequest(deviceID, platformID string, cmd Command) ([]byte, error) {
	body := map[string]interface{}{
		fieldDevice:      deviceID,
		fieldCorrelation: platformID,
		cmd.Key:          cmd.Value,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal value: %v", ErrInvalidCommand, err)
	}
	return data, nil
}
