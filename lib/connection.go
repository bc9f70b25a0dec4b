package lib

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
)

// envelopeWriter puts one envelope on the wire.
type envelopeWriter interface {
	writeEnvelope(env *Envelope, remote *net.UDPAddr) error
}

// Connection is an at-least-once, deduplicated message channel to one remote
// endpoint, multiplexed with other connections over the transport's socket.
// Delivery order across distinct messages is not preserved.
type Connection struct {
	id         string
	remote     Endpoint
	remoteAddr *net.UDPAddr
	outgoing   bool
	config     config.ConnectionConfig
	clock      clock.Clock
	logger     *zap.Logger
	writer     envelopeWriter
	congestion *CongestionController

	mu           sync.Mutex
	state        ConnectionState
	closeErr     error
	queue        messageQueue // fresh messages
	priority     messageQueue // retries, drained first
	unconfirmed  map[string]*PendingMessage
	seen         map[string]time.Time
	drainTimer   *clock.Timer
	lastIncoming time.Time
	lastOutgoing time.Time

	openObservers    []func()
	closeObservers   []func(error)
	messageObservers []func(string)
	errorObservers   []func(error)
	deferred         []func() // observer calls run once mu is released
	onRemove         func(*Connection)

	opened      chan struct{}
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

type connectionParams struct {
	id         string
	remote     Endpoint
	remoteAddr *net.UDPAddr
	outgoing   bool
	config     *config.Config
	clock      clock.Clock
	logger     *zap.Logger
	writer     envelopeWriter
	onRemove   func(*Connection)
}

// newConnection starts the idle and cleanup loops straight away, so a pending
// connection that is never accepted times out like an idle one.
func newConnection(p connectionParams) *Connection {
	now := p.clock.Now()
	c := &Connection{
		id:           p.id,
		remote:       p.remote,
		remoteAddr:   p.remoteAddr,
		outgoing:     p.outgoing,
		config:       p.config.Connection,
		clock:        p.clock,
		logger:       p.logger.With(zap.String("connectionId", p.id), zap.Stringer("remote", p.remote)),
		writer:       p.writer,
		congestion:   NewCongestionController(p.config.Congestion, p.clock, p.logger.With(zap.String("connectionId", p.id))),
		state:        StatePending,
		unconfirmed:  make(map[string]*PendingMessage),
		seen:         make(map[string]time.Time),
		lastIncoming: now,
		lastOutgoing: now,
		onRemove:     p.onRemove,
		opened:       make(chan struct{}),
		closeSignal:  make(chan struct{}),
	}
	if !p.outgoing {
		c.state = StateOpen
		close(c.opened)
	}

	c.wg.Add(2)
	go c.idleLoop()
	go c.cleanupLoop()
	return c
}

// unlock releases mu and then runs whatever observer calls were queued while
// it was held.
func (c *Connection) unlock() {
	fns := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }
func (c *Connection) IsOutgoing() bool         { return c.outgoing }

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsOpen() bool   { return c.State() == StateOpen }
func (c *Connection) IsClosed() bool { return c.State() == StateClosed }

// Err returns why the connection closed: nil while it is not closed or after a
// local Close, otherwise ErrClosedByPeer, a delivery failure wrapping
// ErrDeliveryFailed, or a *KeepAliveTimeoutError.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closeSignal
}

// WaitOpen blocks until the connection is open, closes, or ctx is done.
func (c *Connection) WaitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		if c.IsClosed() {
			return c.closedError()
		}
		return nil
	case <-c.closeSignal:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) closedError() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// OnOpen registers fn for the open transition. It runs at once if the
// connection is already open.
func (c *Connection) OnOpen(fn func()) {
	c.mu.Lock()
	if c.state == StateOpen {
		c.deferred = append(c.deferred, fn)
	} else if c.state == StatePending {
		c.openObservers = append(c.openObservers, fn)
	}
	c.unlock()
}

// OnClose registers fn for the close transition. It runs at once, with the
// close reason, if the connection is already closed.
func (c *Connection) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.state == StateClosed {
		reason := c.closeErr
		c.deferred = append(c.deferred, func() { fn(reason) })
	} else {
		c.closeObservers = append(c.closeObservers, fn)
	}
	c.unlock()
}

// OnMessage registers fn for every newly delivered message.
func (c *Connection) OnMessage(fn func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageObservers = append(c.messageObservers, fn)
}

// OnError registers fn for socket write failures on this connection. These
// are informational; retransmission covers the lost datagram.
func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorObservers = append(c.errorObservers, fn)
}

// Send queues text for delivery. It is a no-op on a closed connection.
func (c *Connection) Send(text string) {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateClosed {
		return
	}
	c.queue.push(newPendingMessage(text, c.clock.Now()))
	c.drain()
}

// Close sends a best-effort close datagram and tears the connection down.
// Closing twice is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.unlock()
	c.closeLocked(nil, true)
}

// markOpen completes the rendezvous of an outgoing connection.
func (c *Connection) markOpen() {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StatePending {
		return
	}
	c.state = StateOpen
	c.lastIncoming = c.clock.Now()
	close(c.opened)
	c.logger.Info("connection open")
	for _, fn := range c.openObservers {
		c.deferred = append(c.deferred, fn)
	}
	c.openObservers = nil
	c.drain()
}

// drain transmits queued messages while the congestion window admits them.
// Called with mu held.
func (c *Connection) drain() {
	for c.state == StateOpen {
		q := &c.priority
		m := q.peek()
		if m == nil {
			q = &c.queue
			if m = q.peek(); m == nil {
				return
			}
		}

		delay := c.congestion.EstimateDelayForNextMessage(m.Size())
		if delay > 0 {
			if c.drainTimer == nil {
				c.drainTimer = c.clock.AfterFunc(delay+c.config.DrainSlack, c.onDrainTimer)
			}
			return
		}

		q.pop()
		c.transmit(m)
	}
}

func (c *Connection) onDrainTimer() {
	c.mu.Lock()
	defer c.unlock()
	c.drainTimer = nil
	c.drain()
}

// transmit sends m and arms its retransmission timer. Called with mu held.
func (c *Connection) transmit(m *PendingMessage) {
	m.SentAt = c.clock.Now()
	c.write(messageEnvelope(c.id, m.ID, m.Text))
	c.congestion.ReportMessageSent(m.ID, m.Size())
	c.unconfirmed[m.ID] = m

	rto := time.Duration(c.config.RetransmitRttMultiplier * float64(c.congestion.EstimatedRtt()))
	m.retransmitTimer = c.clock.AfterFunc(rto, func() {
		c.onRetransmitTimeout(m)
	})
}

func (c *Connection) onRetransmitTimeout(m *PendingMessage) {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed || c.unconfirmed[m.ID] != m {
		return
	}
	m.retransmitTimer = nil
	if m.Tries >= c.config.MaxTries {
		c.logger.Warn("message unconfirmed, giving up on connection",
			zap.String("messageId", m.ID), zap.Int("tries", m.Tries))
		c.closeLocked(&deliveryError{messageID: m.ID, tries: m.Tries}, true)
		return
	}

	m.Tries++
	delete(c.unconfirmed, m.ID)
	c.priority.push(m)
	c.congestion.ReportMessageLost(m.ID)
	c.logger.Debug("retransmitting", zap.String("messageId", m.ID), zap.Int("try", m.Tries))
	c.drain()
}

// write sends env to the peer. Failures are logged and reported to error
// observers only. Called with mu held.
func (c *Connection) write(env *Envelope) {
	c.lastOutgoing = c.clock.Now()
	if err := c.writer.writeEnvelope(env, c.remoteAddr); err != nil {
		c.logger.Debug("send failed", zap.Error(err))
		for _, fn := range c.errorObservers {
			fn := fn
			c.deferred = append(c.deferred, func() { fn(err) })
		}
	}
}

// handleMessage processes an inner message the transport routed to this
// connection.
func (c *Connection) handleMessage(msg *InnerMessage) {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed {
		return
	}
	now := c.clock.Now()
	c.lastIncoming = now

	switch msg.Type {
	case MessageTypeConfirm:
		m, ok := c.unconfirmed[msg.UDPMessageID]
		if !ok {
			return
		}
		delete(c.unconfirmed, m.ID)
		m.stopTimer()
		c.congestion.ReportConfirmedMessage(m.ID, m.Size(), now.Sub(m.SentAt))
		c.drain()

	case MessageTypeClose:
		c.logger.Info("closed by peer")
		c.closeLocked(ErrClosedByPeer, false)

	case MessageTypeMessage:
		if msg.UDPMessageID == "" {
			c.logger.Warn("message without udpMessageId")
			return
		}
		// Confirm every copy: the confirmation for an earlier one may be lost.
		c.write(confirmEnvelope(c.id, msg.UDPMessageID))
		if _, dup := c.seen[msg.UDPMessageID]; dup {
			return
		}
		c.seen[msg.UDPMessageID] = now
		if msg.MessageText == config.KeepAliveMessage {
			return
		}
		text := msg.MessageText
		for _, fn := range c.messageObservers {
			fn := fn
			c.deferred = append(c.deferred, func() { fn(text) })
		}

	default:
		c.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

// closeLocked moves the connection to closed. reason is nil for a local close.
// Called with mu held.
func (c *Connection) closeLocked(reason error, notifyPeer bool) {
	if c.state == StateClosed {
		return
	}
	if notifyPeer && c.state == StateOpen {
		c.write(closeEnvelope(c.id))
	}
	c.state = StateClosed
	c.closeErr = reason

	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	for _, m := range c.unconfirmed {
		m.stopTimer()
	}
	c.unconfirmed = make(map[string]*PendingMessage)
	c.queue.clear()
	c.priority.clear()
	c.openObservers = nil

	close(c.closeSignal)
	c.congestion.Halt()

	if reason != nil {
		c.logger.Info("connection closed", zap.Error(reason))
	} else {
		c.logger.Info("connection closed")
	}

	if c.onRemove != nil {
		onRemove := c.onRemove
		c.deferred = append(c.deferred, func() { onRemove(c) })
	}
	for _, fn := range c.closeObservers {
		fn := fn
		c.deferred = append(c.deferred, func() { fn(reason) })
	}
	c.closeObservers = nil
}

// idleLoop sends keepalives on a quiet connection and closes one whose peer
// went silent.
func (c *Connection) idleLoop() {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.config.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case <-ticker.C:
			c.checkIdle()
		}
	}
}

func (c *Connection) checkIdle() {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateClosed {
		return
	}

	now := c.clock.Now()
	if idle := now.Sub(c.lastIncoming); idle > c.config.IdleTimeout {
		c.logger.Info("idle timeout", zap.Duration("idle", idle))
		c.closeLocked(&KeepAliveTimeoutError{ConnectionKey: c.id, Idle: idle}, true)
		return
	}
	if c.state == StateOpen && now.Sub(c.lastOutgoing) > c.config.KeepAliveAfter {
		c.lastOutgoing = now
		c.queue.push(newPendingMessage(config.KeepAliveMessage, now))
		c.drain()
	}
}

func (c *Connection) cleanupLoop() {
	defer c.wg.Done()
	ticker := c.clock.Ticker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case <-ticker.C:
			c.sweepSeen()
		}
	}
}

func (c *Connection) sweepSeen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clock.Now().Add(-c.config.SeenMessageRetention)
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
		}
	}
}

// ConnectionStats is a point-in-time view of a connection.
type ConnectionStats struct {
	State             ConnectionState
	Queued            int
	Retrying          int
	Unconfirmed       int
	Seen              int
	MaxBytesPerSecond float64
	EstimatedRtt      time.Duration
}

func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	s := ConnectionStats{
		State:       c.state,
		Queued:      c.queue.len(),
		Retrying:    c.priority.len(),
		Unconfirmed: len(c.unconfirmed),
		Seen:        len(c.seen),
	}
	c.mu.Unlock()
	s.MaxBytesPerSecond = c.congestion.MaxBytesPerSecond()
	s.EstimatedRtt = c.congestion.EstimatedRtt()
	return s
}
