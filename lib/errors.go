package lib

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrClosedByPeer     = errors.New("connection closed by peer")
	ErrDeliveryFailed   = errors.New("message delivery failed")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
)

// KeepAliveTimeoutError is the close reason of a connection that heard
// nothing from its peer for longer than the idle timeout.
type KeepAliveTimeoutError struct {
	ConnectionKey string
	Idle          time.Duration
}

func (e *KeepAliveTimeoutError) Error() string {
	return fmt.Sprintf("connection %s: nothing received for %v", e.ConnectionKey, e.Idle)
}

func (e *KeepAliveTimeoutError) Timeout() bool {
	return true
}

func (e *KeepAliveTimeoutError) Temporary() bool {
	return false
}

// deliveryError wraps ErrDeliveryFailed with the message that ran out of tries.
type deliveryError struct {
	messageID string
	tries     int
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("message %s unconfirmed after %d tries: %v", e.messageID, e.tries, ErrDeliveryFailed)
}

func (e *deliveryError) Unwrap() error {
	return ErrDeliveryFailed
}
