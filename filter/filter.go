// Package filter decides which datagrams a transport lets through. Filters
// are consulted for every datagram in both directions, which makes them the
// place to simulate packet loss or to black-hole a misbehaving peer.
package filter

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

type Filter interface {
	// Drop reports whether the datagram exchanged with remote should be discarded.
	Drop(dir Direction, remote *net.UDPAddr, datagram []byte) bool
}

// Func adapts an ordinary function to the Filter interface.
type Func func(dir Direction, remote *net.UDPAddr, datagram []byte) bool

func (f Func) Drop(dir Direction, remote *net.UDPAddr, datagram []byte) bool {
	return f(dir, remote, datagram)
}

// Chain drops a datagram when any of its filters does.
type Chain []Filter

func (c Chain) Drop(dir Direction, remote *net.UDPAddr, datagram []byte) bool {
	for _, f := range c {
		if f != nil && f.Drop(dir, remote, datagram) {
			return true
		}
	}
	return false
}

// LossFilter randomly drops datagrams at a fixed rate.
type LossFilter struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand

	dropped atomic.Uint64
	passed  atomic.Uint64
}

// NewLossFilter returns a filter dropping each datagram with probability rate
// (clamped to [0,1]). A zero seed means seed from the current time.
func NewLossFilter(rate float64, seed int64) *LossFilter {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LossFilter{
		rate: rate,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (l *LossFilter) Drop(_ Direction, _ *net.UDPAddr, _ []byte) bool {
	l.mu.Lock()
	drop := l.rng.Float64() < l.rate
	l.mu.Unlock()
	if drop {
		l.dropped.Add(1)
	} else {
		l.passed.Add(1)
	}
	return drop
}

func (l *LossFilter) Rate() float64 { return l.rate }

// Counts returns how many datagrams were dropped and passed so far.
func (l *LossFilter) Counts() (dropped, passed uint64) {
	return l.dropped.Load(), l.passed.Load()
}

// BlockFilter drops every datagram to or from a blocked "ip:port".
type BlockFilter struct {
	blocked sync.Map // "ip:port" -> struct{}
}

func NewBlockFilter() *BlockFilter {
	return &BlockFilter{}
}

func (b *BlockFilter) Block(addr string) {
	b.blocked.Store(addr, struct{}{})
}

func (b *BlockFilter) Unblock(addr string) {
	b.blocked.Delete(addr)
}

func (b *BlockFilter) IsBlocked(addr string) bool {
	_, ok := b.blocked.Load(addr)
	return ok
}

func (b *BlockFilter) Drop(_ Direction, remote *net.UDPAddr, _ []byte) bool {
	if remote == nil {
		return false
	}
	return b.IsBlocked(remote.String())
}
