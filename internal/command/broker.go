package command

import "context"

// Message is an inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// ClientOptions configures one broker session.
type ClientOptions struct {
	ClientID string
	// OnConnectionLost fires when an established session drops.
	OnConnectionLost func(err error)
}

// Broker creates sessions on the shared publish/subscribe broker.
type Broker interface {
	NewClient(opts ClientOptions) BrokerClient
}

// BrokerClient is one broker session owned by a single Channel.
type BrokerClient interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler func(Message)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}
