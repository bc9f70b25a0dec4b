package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
)

// Payload is a receive buffer handed out by the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a buffer. params[0] is the buffer length as an int.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		zap.L().Error("NewPayload: expected exactly one parameter, the buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		zap.L().Error("NewPayload: buffer length must be a positive int", zap.Any("param", params[0]))
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source (%d bytes) is longer than the buffer (%d bytes)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source is empty")
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

// Buffer exposes the whole backing array for a socket read; SetLength records
// how much of it the read filled.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) SetLength(n int) {
	if n < 0 || n > len(p.payloadBytes) {
		n = 0
	}
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out receive buffers sized for the largest datagram.
type payloadPool struct {
	ring *rp.RingPool
}

func newPayloadPool(cfg config.TransportConfig) *payloadPool {
	rp.Debug = cfg.PoolDebug
	ring := rp.NewRingPool("UDP: ", cfg.PayloadPoolSize, NewPayload, cfg.MaxDatagramSize)
	ring.Debug = cfg.PoolDebug
	ring.ProcessTimeThreshold = time.Duration(cfg.ProcessTimeThreshold) * time.Millisecond
	return &payloadPool{ring: ring}
}

func (p *payloadPool) get() (*rp.Element, *Payload) {
	el := p.ring.GetElement()
	return el, el.Data.(*Payload)
}

func (p *payloadPool) put(el *rp.Element) {
	el.Data.(*Payload).Reset()
	p.ring.ReturnElement(el)
}
