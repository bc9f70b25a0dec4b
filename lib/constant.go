package lib

// Envelope types.
const (
	TypeOpenConnection   = "openConnection"
	TypeAcceptConnection = "acceptConnection"
)

// Inner message types carried inside an envelope bound to a connection.
const (
	MessageTypeMessage = "message"
	MessageTypeConfirm = "confirmUdpMessage"
	MessageTypeClose   = "close"
)

// Connection ids and message ids must be between these lengths.
const (
	MinIDLength = 10
	MaxIDLength = 20
)

// randomIDBytes encodes to 13 or 14 base58 characters.
const randomIDBytes = 10

// ConnectionState follows pending -> open -> closed for outgoing connections;
// incoming connections start open.
type ConnectionState int

const (
	StatePending ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
