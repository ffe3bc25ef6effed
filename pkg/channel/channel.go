// Package channel holds the per-channel configuration surface shared by the
// registry and the transports.
package channel

import "time"

// Id identifies a logical, independently-ordered lane over the transport.
// Client-to-server and server-to-client ids are independent namespaces.
type Id uint8

// DeliveryMode is the reliability/ordering contract requested for a channel.
// Stream transports that are inherently reliable-ordered may collapse all
// modes to ReliableOrdered.
type DeliveryMode uint8

const (
	Unreliable DeliveryMode = iota
	ReliableOrdered
	ReliableUnordered
)

func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "Unreliable"
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableUnordered:
		return "ReliableUnordered"
	}
	return "Unknown"
}

const (
	DefaultResendInterval      = 300 * time.Millisecond
	DefaultMaxMemoryUsageBytes = 5 * 1024 * 1024
)

// Config is the setup-time configuration of a single channel. Immutable once
// the channel is bound.
type Config struct {
	Delivery            DeliveryMode
	MaxResendInterval   time.Duration
	MaxMemoryUsageBytes int
}

// DefaultConfig mirrors the defaults of the upstream netcode stack: reliable
// ordered delivery with a 300ms resend interval and a 5MiB channel budget.
func DefaultConfig() Config {
	return Config{
		Delivery:            ReliableOrdered,
		MaxResendInterval:   DefaultResendInterval,
		MaxMemoryUsageBytes: DefaultMaxMemoryUsageBytes,
	}
}
