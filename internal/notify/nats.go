package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/pkg/deviceid"
)

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSNotifier publishes status changes as JSON on NATS subjects.
//
//	<prefix>.stream                  event stream status
//	<prefix>.device.<imei>.command   command channel status
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier creates a notifier publishing under prefix.
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: prefix}
}

// Subject returns the subject a status is published on.
func (n *NATSNotifier) Subject(st Status) string {
	if st.Source == SourceCommand && st.DeviceID != "" {
		return fmt.Sprintf("%s.device.%s.command", n.prefix, deviceid.Normalize(st.DeviceID))
	}
	return fmt.Sprintf("%s.%s", n.prefix, st.Source)
}

// Notify publishes st. Failures are logged only.
func (n *NATSNotifier) Notify(st Status) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal status")
		return
	}

	subject := n.Subject(st)
	if err := n.pub.Publish(subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish status to NATS")
	}
}
