package lib

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/mr-tron/base58"
)

// Endpoint is an address as seen on the wire.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) IsZero() bool {
	return e.Address == "" && e.Port == 0
}

// EndpointFromAddr converts a socket address into its wire form.
func EndpointFromAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{Address: ip.String(), Port: addr.Port}
}

// ParseEndpoint splits "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
	}
	return Endpoint{Address: host, Port: port}, nil
}

func (e Endpoint) resolve() (*net.UDPAddr, error) {
	if e.Address == "" || e.Port <= 0 || e.Port > 65535 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, e.String())
	}
	addr, err := net.ResolveUDPAddr("udp", e.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return addr, nil
}

// Envelope is one datagram. Fields are declared in key order so the encoding
// is deterministic.
type Envelope struct {
	ConnectionID            string        `json:"connectionId,omitempty"`
	InitiatorPublicEndpoint *Endpoint     `json:"initiatorPublicEndpoint,omitempty"`
	Message                 *InnerMessage `json:"message,omitempty"`
	Type                    string        `json:"type,omitempty"`
}

// InnerMessage is the payload of an envelope addressed to a connection.
type InnerMessage struct {
	MessageText  string `json:"messageText,omitempty"`
	Type         string `json:"type"`
	UDPMessageID string `json:"udpMessageId,omitempty"`
}

func openConnectionEnvelope(connectionID string) *Envelope {
	return &Envelope{ConnectionID: connectionID, Type: TypeOpenConnection}
}

func acceptConnectionEnvelope(connectionID string, initiator Endpoint) *Envelope {
	return &Envelope{
		ConnectionID:            connectionID,
		InitiatorPublicEndpoint: &initiator,
		Type:                    TypeAcceptConnection,
	}
}

func messageEnvelope(connectionID, messageID, text string) *Envelope {
	return &Envelope{
		ConnectionID: connectionID,
		Message: &InnerMessage{
			MessageText:  text,
			Type:         MessageTypeMessage,
			UDPMessageID: messageID,
		},
	}
}

func confirmEnvelope(connectionID, messageID string) *Envelope {
	return &Envelope{
		ConnectionID: connectionID,
		Message:      &InnerMessage{Type: MessageTypeConfirm, UDPMessageID: messageID},
	}
}

func closeEnvelope(connectionID string) *Envelope {
	return &Envelope{
		ConnectionID: connectionID,
		Message:      &InnerMessage{Type: MessageTypeClose},
	}
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes one datagram. Anything that is not a JSON object
// is an error.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed datagram: %w", err)
	}
	return &e, nil
}

// ValidConnectionID reports whether id has an acceptable length.
func ValidConnectionID(id string) bool {
	return len(id) >= MinIDLength && len(id) <= MaxIDLength
}

// newID returns a random base58 token used for connection and message ids.
func newID() string {
	b := make([]byte, randomIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base58.Encode(b)
}
