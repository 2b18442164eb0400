// Package deviceid normalizes charger hardware identifiers and derives the
// broker names scoped to them.
package deviceid

import (
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultRequestPrefix = "dev"
	DefaultReplyPrefix   = "app"

	// MaxClientIDLen is the MQTT 3.1 client identifier limit brokers must accept.
	MaxClientIDLen = 23

	clientIDPrefix = "cl"
	suffixLen      = 5
)

// Normalize strips everything but ASCII digits.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether two identifiers are the same device after normalization.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// Topics holds the per-direction topic prefixes.
type Topics struct {
	RequestPrefix string
	ReplyPrefix   string
}

// DefaultTopics returns the dev<digits>/app<digits> layout.
func DefaultTopics() Topics {
	return Topics{RequestPrefix: DefaultRequestPrefix, ReplyPrefix: DefaultReplyPrefix}
}

// Request returns the topic commands are published to.
func (t Topics) Request(id string) string {
	return t.RequestPrefix + Normalize(id)
}

// Reply returns the topic the device acknowledges on.
func (t Topics) Reply(id string) string {
	return t.ReplyPrefix + Normalize(id)
}

// ClientID builds a broker client identifier containing the device digits and
// a random suffix, never longer than MaxClientIDLen.
func ClientID(id string) string {
	digits := Normalize(id)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]

	room := MaxClientIDLen - len(clientIDPrefix) - 1 - suffixLen
	if len(digits) > room {
		digits = digits[len(digits)-room:]
	}
	return clientIDPrefix + digits + "_" + suffix
}
