package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/evcharge/chargelink/pkg/deviceid"
)

// Reasons a reply is not accepted as an acknowledgement.
var (
	ErrMalformedAck       = errors.New("malformed ack payload")
	ErrDeviceMismatch     = errors.New("ack device does not match channel")
	ErrMissingCorrelation = errors.New("ack has no correlation id")
	ErrUnknownResult      = errors.New("ack result is not a success or failure marker")
)

// Ack is a validated device reply.
type Ack struct {
	DeviceID      string
	CorrelationID string
	Success       bool
}

// wire field names of the reply
const (
	fieldDevice      = "imei"
	fieldCorrelation = "pid"
	fieldResult      = "res"
)

// ParseAck decodes payload and checks that it acknowledges a command sent to
// deviceID. It returns either a complete Ack or one of the rejection errors.
func ParseAck(payload []byte, deviceID string) (*Ack, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedAck)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedAck)
	}

	imei, ok := scalarString(fields[fieldDevice])
	if !ok || !deviceid.Equal(imei, deviceID) {
		return nil, fmt.Errorf("%w: got %q", ErrDeviceMismatch, imei)
	}

	pid, ok := scalarString(fields[fieldCorrelation])
	if !ok || strings.TrimSpace(pid) == "" {
		return nil, ErrMissingCorrelation
	}

	success, ok := resultMarker(fields[fieldResult])
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownResult, fields[fieldResult])
	}

	return &Ack{
		DeviceID:      deviceid.Normalize(imei),
		CorrelationID: pid,
		Success:       success,
	}, nil
}

// resultMarker accepts 0 and 1 as JSON numbers or as the strings "0" and "1".
func resultMarker(v interface{}) (success, ok bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, false
		}
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	case string:
		switch t {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}
	return false, false
}

// scalarString renders JSON strings and numbers as text.
func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
