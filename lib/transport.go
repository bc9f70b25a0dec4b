package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/filter"
)

// Transport owns one UDP socket and every connection multiplexed over it.
// It runs the openConnection/acceptConnection rendezvous and learns this
// node's public endpoint from what accepting peers report.
type Transport struct {
	config *config.Config
	conn   *net.UDPConn
	local  *net.UDPAddr
	clock  clock.Clock
	logger *zap.Logger
	filter filter.Filter
	tracer *Tracer
	pool   *payloadPool

	mu                      sync.Mutex
	incoming                map[string]*Connection
	outgoing                map[string]*Connection
	pendingOutgoing         map[string]*Connection
	publicEndpoint          *Endpoint
	connectionObservers     []func(*Connection)
	publicEndpointObservers []func(Endpoint)
	isClosed                bool

	closeSignal chan struct{}
	wg          sync.WaitGroup
}

type TransportOption func(*Transport)

// WithClock replaces the wall clock driving every timer of the transport and
// its connections.
func WithClock(clk clock.Clock) TransportOption {
	return func(t *Transport) { t.clock = clk }
}

// WithFilter adds a datagram filter in front of the socket.
func WithFilter(f filter.Filter) TransportOption {
	return func(t *Transport) {
		if t.filter == nil {
			t.filter = f
			return
		}
		t.filter = filter.Chain{t.filter, f}
	}
}

// NewTransport binds the UDP socket described by cfg.Transport and starts
// reading from it.
func NewTransport(cfg *config.Config, logger *zap.Logger, opts ...TransportOption) (*Transport, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		config:          cfg,
		clock:           clock.New(),
		incoming:        make(map[string]*Connection),
		outgoing:        make(map[string]*Connection),
		pendingOutgoing: make(map[string]*Connection),
		closeSignal:     make(chan struct{}),
	}
	if cfg.Transport.PacketLossSimulation {
		t.filter = filter.NewLossFilter(cfg.Transport.PacketLossRate, 0)
	}
	for _, opt := range opts {
		opt(t)
	}

	laddr := &net.UDPAddr{Port: cfg.Transport.ListenPort}
	if cfg.Transport.ListenAddress != "" {
		if laddr.IP = net.ParseIP(cfg.Transport.ListenAddress); laddr.IP == nil {
			return nil, fmt.Errorf("%w: listen address %q", ErrInvalidEndpoint, cfg.Transport.ListenAddress)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", laddr, err)
	}
	t.conn = conn
	t.local = conn.LocalAddr().(*net.UDPAddr)
	t.logger = logger.With(zap.Stringer("local", t.local))

	if cfg.Transport.TraceFile != "" {
		if t.tracer, err = NewTracer(cfg.Transport.TraceFile); err != nil {
			conn.Close()
			return nil, err
		}
	}
	t.pool = newPayloadPool(cfg.Transport)

	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info("transport listening")
	return t, nil
}

func (t *Transport) LocalEndpoint() Endpoint {
	return EndpointFromAddr(t.local)
}

// PublicEndpoint returns the endpoint peers last reported seeing us at.
func (t *Transport) PublicEndpoint() (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publicEndpoint == nil {
		return Endpoint{}, false
	}
	return *t.publicEndpoint, true
}

func (t *Transport) OnPublicEndpointChanged(fn func(Endpoint)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publicEndpointObservers = append(t.publicEndpointObservers, fn)
}

// OnConnection registers fn for every accepted incoming connection.
func (t *Transport) OnConnection(fn func(*Connection)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectionObservers = append(t.connectionObservers, fn)
}

// OpenConnection starts a rendezvous with remote and returns the pending
// connection right away. Use WaitOpen or OnOpen to learn when it opens.
func (t *Transport) OpenConnection(remote Endpoint) (*Connection, error) {
	addr, err := remote.resolve()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := newID()
	for t.hasConnectionLocked(id) {
		id = newID()
	}
	c := t.newConnectionLocked(id, remote, addr, true)
	t.pendingOutgoing[id] = c
	t.mu.Unlock()

	c.logger.Debug("opening connection")
	if err := t.writeEnvelope(openConnectionEnvelope(id), addr); err != nil {
		c.logger.Warn("failed to send openConnection", zap.Error(err))
	}
	return c, nil
}

func (t *Transport) hasConnectionLocked(id string) bool {
	_, a := t.incoming[id]
	_, b := t.outgoing[id]
	_, p := t.pendingOutgoing[id]
	return a || b || p
}

func (t *Transport) newConnectionLocked(id string, remote Endpoint, addr *net.UDPAddr, outgoing bool) *Connection {
	return newConnection(connectionParams{
		id:         id,
		remote:     remote,
		remoteAddr: addr,
		outgoing:   outgoing,
		config:     t.config,
		clock:      t.clock,
		logger:     t.logger,
		writer:     t,
		onRemove:   t.removeConnection,
	})
}

func (t *Transport) removeConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, registry := range []map[string]*Connection{t.incoming, t.outgoing, t.pendingOutgoing} {
		if registry[c.id] == c {
			delete(registry, c.id)
		}
	}
}

// Counts returns the sizes of the incoming, outgoing and pending registries.
func (t *Transport) Counts() (incoming, outgoing, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.incoming), len(t.outgoing), len(t.pendingOutgoing)
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		el, payload := t.pool.get()
		n, from, err := t.conn.ReadFromUDP(payload.Buffer())
		if err != nil {
			t.pool.put(el)
			select {
			case <-t.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("read failed", zap.Error(err))
			continue
		}
		payload.SetLength(n)
		t.handleDatagram(payload.GetSlice(), from)
		t.pool.put(el)
	}
}

// handleDatagram dispatches one received datagram. Nothing here is fatal:
// malformed or unexpected datagrams are logged and dropped.
func (t *Transport) handleDatagram(data []byte, from *net.UDPAddr) {
	if t.tracer != nil {
		t.tracer.Record(from, t.local, data)
	}
	if t.filter != nil && t.filter.Drop(filter.Inbound, from, data) {
		return
	}

	env, err := UnmarshalEnvelope(data)
	if err != nil {
		t.logger.Warn("dropping datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	switch env.Type {
	case TypeOpenConnection:
		t.handleOpenConnection(env, from)
	case TypeAcceptConnection:
		t.handleAcceptConnection(env)
	default:
		if env.ConnectionID == "" || env.Message == nil {
			t.logger.Debug("ignoring datagram", zap.Stringer("from", from), zap.String("type", env.Type))
			return
		}
		t.mu.Lock()
		c, ok := t.incoming[env.ConnectionID]
		if !ok {
			c, ok = t.outgoing[env.ConnectionID]
		}
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("no connection for datagram", zap.String("connectionId", env.ConnectionID))
			return
		}
		c.handleMessage(env.Message)
	}
}

func (t *Transport) handleOpenConnection(env *Envelope, from *net.UDPAddr) {
	id := env.ConnectionID
	if !ValidConnectionID(id) {
		t.logger.Warn("openConnection with invalid id", zap.Stringer("from", from), zap.String("connectionId", id))
		return
	}

	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		return
	}
	if _, dup := t.incoming[id]; dup {
		t.mu.Unlock()
		t.logger.Warn("duplicate openConnection", zap.Stringer("from", from), zap.String("connectionId", id))
		return
	}
	initiator := EndpointFromAddr(from)
	c := t.newConnectionLocked(id, initiator, from, false)
	t.incoming[id] = c
	observers := append([]func(*Connection){}, t.connectionObservers...)
	t.mu.Unlock()

	c.logger.Info("accepted connection")
	if err := t.writeEnvelope(acceptConnectionEnvelope(id, initiator), from); err != nil {
		c.logger.Warn("failed to send acceptConnection", zap.Error(err))
	}
	for _, fn := range observers {
		fn(c)
	}
}

func (t *Transport) handleAcceptConnection(env *Envelope) {
	t.mu.Lock()
	c, ok := t.pendingOutgoing[env.ConnectionID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("acceptConnection for unknown id", zap.String("connectionId", env.ConnectionID))
		return
	}
	delete(t.pendingOutgoing, c.id)
	if c.IsClosed() {
		t.mu.Unlock()
		return
	}
	t.outgoing[c.id] = c

	var observers []func(Endpoint)
	var changed Endpoint
	if ep := env.InitiatorPublicEndpoint; ep != nil && plausiblePublicEndpoint(*ep, c.remote.Address) {
		if t.publicEndpoint == nil || *t.publicEndpoint != *ep {
			changed = *ep
			t.publicEndpoint = &changed
			observers = append(observers, t.publicEndpointObservers...)
		}
	}
	t.mu.Unlock()

	c.markOpen()
	if len(observers) > 0 {
		t.logger.Info("public endpoint changed", zap.Stringer("publicEndpoint", changed))
		for _, fn := range observers {
			fn(changed)
		}
	}
}

// writeEnvelope implements envelopeWriter. It never takes t.mu, so
// connections may call it while holding their own lock.
func (t *Transport) writeEnvelope(env *Envelope, remote *net.UDPAddr) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if t.filter != nil && t.filter.Drop(filter.Outbound, remote, data) {
		return nil
	}
	n, err := t.conn.WriteToUDP(data, remote)
	if err != nil {
		t.logger.Warn("write failed", zap.Stringer("to", remote), zap.Error(err))
		return err
	}
	if n != len(data) {
		t.logger.Warn("short write", zap.Stringer("to", remote), zap.Int("written", n), zap.Int("length", len(data)))
		return io.ErrShortWrite
	}
	if t.tracer != nil {
		t.tracer.Record(t.local, remote, data)
	}
	return nil
}

// Close closes every connection, then the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		return nil
	}
	t.isClosed = true
	var conns []*Connection
	for _, registry := range []map[string]*Connection{t.incoming, t.outgoing, t.pendingOutgoing} {
		for _, c := range registry {
			conns = append(conns, c)
		}
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	close(t.closeSignal)
	err := t.conn.Close()
	t.wg.Wait()
	if t.tracer != nil {
		err = multierr.Append(err, t.tracer.Close())
	}
	t.logger.Info("transport closed")
	return err
}
