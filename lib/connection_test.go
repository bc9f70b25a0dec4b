package lib

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aliddell/kachery-p2p/config"
)

type fakeWriter struct {
	mu   sync.Mutex
	sent []*Envelope
	err  error
}

func (w *fakeWriter) writeEnvelope(env *Envelope, _ *net.UDPAddr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env)
	return w.err
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// inner returns every inner message of the given type written so far.
func (w *fakeWriter) inner(typ string) []*InnerMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*InnerMessage
	for _, env := range w.sent {
		if env.Message != nil && env.Message.Type == typ {
			out = append(out, env.Message)
		}
	}
	return out
}

func (w *fakeWriter) count(typ string) int {
	return len(w.inner(typ))
}

func newTestConnection(t *testing.T, outgoing bool, mutate func(*config.Config)) (*Connection, *fakeWriter, *clock.Mock) {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	mock := clock.NewMock()
	w := &fakeWriter{}
	c := newConnection(connectionParams{
		id:         "testconn01",
		remote:     Endpoint{Address: "198.51.100.7", Port: 7080},
		remoteAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 7080},
		outgoing:   outgoing,
		config:     cfg,
		clock:      mock,
		logger:     zaptest.NewLogger(t),
		writer:     w,
	})
	t.Cleanup(c.Close)
	return c, w, mock
}

func TestIncomingConnectionStartsOpen(t *testing.T) {
	c, _, _ := newTestConnection(t, false, nil)
	assert.True(t, c.IsOpen())
	assert.False(t, c.IsOutgoing())
	assert.Equal(t, "testconn01", c.ID())
	assert.NoError(t, c.WaitOpen(context.Background()))

	opened := false
	c.OnOpen(func() { opened = true })
	assert.True(t, opened)
}

func TestSendAndConfirm(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)

	c.Send("hello")
	msgs := w.inner(MessageTypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].MessageText)
	assert.True(t, ValidConnectionID(msgs[0].UDPMessageID))
	assert.Equal(t, 1, c.Stats().Unconfirmed)
	assert.Equal(t, 5, c.congestion.OutstandingBytes())

	c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: msgs[0].UDPMessageID})
	assert.Equal(t, 0, c.Stats().Unconfirmed)
	assert.Equal(t, 0, c.congestion.OutstandingBytes())

	// late or unknown confirmations change nothing
	c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: msgs[0].UDPMessageID})
	c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: "unknownid00"})
	assert.Equal(t, 0, c.Stats().Unconfirmed)
}

func TestDuplicatesAreConfirmedButDeliveredOnce(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	var delivered []string
	c.OnMessage(func(text string) { delivered = append(delivered, text) })

	for i := 0; i < 3; i++ {
		c.handleMessage(&InnerMessage{Type: MessageTypeMessage, UDPMessageID: "msg0000001", MessageText: "payload"})
	}

	assert.Equal(t, []string{"payload"}, delivered)
	confirms := w.inner(MessageTypeConfirm)
	require.Len(t, confirms, 3)
	for _, m := range confirms {
		assert.Equal(t, "msg0000001", m.UDPMessageID)
	}
	assert.Equal(t, 1, c.Stats().Seen)
}

func TestKeepAliveIsConfirmedNotDelivered(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	delivered := 0
	c.OnMessage(func(string) { delivered++ })

	c.handleMessage(&InnerMessage{Type: MessageTypeMessage, UDPMessageID: "keepalive1", MessageText: config.KeepAliveMessage})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, w.count(MessageTypeConfirm))
}

func TestMessageWithoutIdIsIgnored(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	delivered := 0
	c.OnMessage(func(string) { delivered++ })

	c.handleMessage(&InnerMessage{Type: MessageTypeMessage, MessageText: "x"})
	c.handleMessage(&InnerMessage{Type: "bogus"})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, w.count(MessageTypeConfirm))
	assert.True(t, c.IsOpen())
}

func TestRetransmitUntilGivingUp(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)
	var closeErr error
	closed := make(chan struct{})
	c.OnClose(func(err error) {
		closeErr = err
		close(closed)
	})

	c.Send("are you there")
	require.Equal(t, 1, w.count(MessageTypeMessage))
	id := w.inner(MessageTypeMessage)[0].UDPMessageID

	// 4 x 500ms between tries
	for i := 2; i <= 6; i++ {
		mock.Add(2 * time.Second)
		want := i
		require.Eventually(t, func() bool { return w.count(MessageTypeMessage) == want }, time.Second, time.Millisecond)
	}
	for _, m := range w.inner(MessageTypeMessage) {
		assert.Equal(t, id, m.UDPMessageID)
	}
	assert.True(t, c.IsOpen())

	mock.Add(2 * time.Second)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after the last try")
	}
	assert.True(t, errors.Is(closeErr, ErrDeliveryFailed))
	assert.True(t, errors.Is(c.Err(), ErrDeliveryFailed))
	assert.Equal(t, 1, w.count(MessageTypeClose))
	assert.Equal(t, 6, w.count(MessageTypeMessage))
}

func TestConfirmStopsRetransmission(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)
	c.Send("once")
	id := w.inner(MessageTypeMessage)[0].UDPMessageID
	c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: id})

	mock.Add(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, w.count(MessageTypeMessage))
}

func TestRetryGoesAheadOfFreshMessages(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	big := strings.Repeat("x", 250000)

	c.Send(big)
	c.Send(big) // fills the 500000 byte window
	c.Send("fresh")
	require.Equal(t, 2, w.count(MessageTypeMessage))
	require.Equal(t, 1, c.Stats().Queued)
	first := w.inner(MessageTypeMessage)[0].UDPMessageID
	second := w.inner(MessageTypeMessage)[1].UDPMessageID

	c.mu.Lock()
	m := c.unconfirmed[first]
	m.stopTimer()
	c.mu.Unlock()
	c.onRetransmitTimeout(m)
	assert.Equal(t, 2, m.Tries)
	assert.Equal(t, 1, c.Stats().Retrying)

	c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: second})
	require.Equal(t, 3, w.count(MessageTypeMessage))
	assert.Equal(t, first, w.inner(MessageTypeMessage)[2].UDPMessageID)
	assert.Equal(t, 0, c.Stats().Retrying)
	assert.Equal(t, 1, c.Stats().Queued)
}

func TestPacingHoldsMessagesBeyondWindow(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)
	payload := strings.Repeat("p", 20000)

	for i := 0; i < 50; i++ {
		c.Send(payload)
	}
	// 25 x 20000 fills the 500000 byte window exactly
	require.Equal(t, 25, w.count(MessageTypeMessage))
	assert.Equal(t, 25, c.Stats().Queued)
	assert.Equal(t, 25, c.Stats().Unconfirmed)

	// the drain timer alone does not admit anything while nothing is confirmed
	mock.Add(50 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 25, w.count(MessageTypeMessage))

	sent := w.inner(MessageTypeMessage)
	for _, m := range sent[:5] {
		c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: m.UDPMessageID})
	}
	assert.Equal(t, 30, w.count(MessageTypeMessage))
	assert.Equal(t, 20, c.Stats().Queued)
}

func TestKeepAliveAfterQuietPeriod(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		for _, m := range w.inner(MessageTypeMessage) {
			if m.MessageText == config.KeepAliveMessage {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsOpen())
}

func TestIdleTimeoutCloses(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return c.IsClosed()
	}, 5*time.Second, 5*time.Millisecond)

	var timeout *KeepAliveTimeoutError
	require.True(t, errors.As(c.Err(), &timeout))
	assert.True(t, timeout.Timeout())
	assert.Greater(t, timeout.Idle, 15*time.Second)
	assert.Equal(t, 1, w.count(MessageTypeClose))
}

func TestIncomingTrafficPreventsIdleClose(t *testing.T) {
	c, w, mock := newTestConnection(t, false, nil)

	for i := 0; i < 30; i++ {
		c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: "whatever01"})
		for _, m := range w.inner(MessageTypeMessage) {
			c.handleMessage(&InnerMessage{Type: MessageTypeConfirm, UDPMessageID: m.UDPMessageID})
		}
		mock.Add(time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.IsOpen())
}

func TestSeenIdsExpire(t *testing.T) {
	c, _, mock := newTestConnection(t, false, func(cfg *config.Config) {
		cfg.Connection.IdleTimeout = time.Hour
		cfg.Connection.KeepAliveAfter = time.Hour
	})
	delivered := 0
	c.OnMessage(func(string) { delivered++ })

	c.handleMessage(&InnerMessage{Type: MessageTypeMessage, UDPMessageID: "msg0000001", MessageText: "a"})
	require.Equal(t, 1, c.Stats().Seen)

	mock.Add(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.Stats().Seen)

	require.Eventually(t, func() bool {
		mock.Add(3 * time.Second)
		return c.Stats().Seen == 0
	}, 5*time.Second, 5*time.Millisecond)

	// once forgotten, an id counts as new again
	c.handleMessage(&InnerMessage{Type: MessageTypeMessage, UDPMessageID: "msg0000001", MessageText: "a"})
	assert.Equal(t, 2, delivered)
}

func TestPendingConnection(t *testing.T) {
	c, w, _ := newTestConnection(t, true, nil)
	assert.Equal(t, StatePending, c.State())

	opened := make(chan struct{})
	c.OnOpen(func() { close(opened) })

	c.Send("queued")
	assert.Equal(t, 0, w.count(MessageTypeMessage))
	assert.Equal(t, 1, c.Stats().Queued)

	c.markOpen()
	<-opened
	assert.True(t, c.IsOpen())
	assert.Equal(t, 1, w.count(MessageTypeMessage))

	c.markOpen()
	assert.Equal(t, 1, w.count(MessageTypeMessage))
}

func TestPendingConnectionTimesOut(t *testing.T) {
	c, w, mock := newTestConnection(t, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- c.WaitOpen(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return c.IsClosed()
	}, 5*time.Second, 5*time.Millisecond)

	var timeout *KeepAliveTimeoutError
	assert.True(t, errors.As(<-waitErr, &timeout))
	assert.Equal(t, 0, w.count(MessageTypeClose))
	assert.Equal(t, 0, w.count(MessageTypeMessage))
}

func TestWaitOpenHonoursContext(t *testing.T) {
	c, _, _ := newTestConnection(t, true, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitOpen(ctx), context.DeadlineExceeded)
}

func TestLocalClose(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	c.Send("in flight")

	closes := 0
	var reason error = errors.New("unset")
	c.OnClose(func(err error) {
		closes++
		reason = err
	})

	c.Close()
	c.Close()
	assert.Equal(t, 1, closes)
	assert.NoError(t, reason)
	assert.NoError(t, c.Err())
	assert.Equal(t, 1, w.count(MessageTypeClose))
	assert.Equal(t, 0, c.Stats().Unconfirmed)
	assert.ErrorIs(t, c.WaitOpen(context.Background()), ErrConnectionClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}

	// closed connections ignore everything
	c.Send("late")
	c.handleMessage(&InnerMessage{Type: MessageTypeMessage, UDPMessageID: "msg0000001", MessageText: "x"})
	assert.Equal(t, 1, w.count(MessageTypeMessage))
	assert.Equal(t, 0, w.count(MessageTypeConfirm))

	late := false
	c.OnClose(func(error) { late = true })
	assert.True(t, late)
}

func TestCloseByPeer(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	var reason error
	c.OnClose(func(err error) { reason = err })

	c.handleMessage(&InnerMessage{Type: MessageTypeClose})
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, reason, ErrClosedByPeer)
	assert.Equal(t, 0, w.count(MessageTypeClose))
}

func TestWriteFailuresReachErrorObservers(t *testing.T) {
	c, w, _ := newTestConnection(t, false, nil)
	boom := errors.New("network unreachable")
	w.setErr(boom)

	var got []error
	c.OnError(func(err error) { got = append(got, err) })
	c.Send("x")

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
	assert.True(t, c.IsOpen())
	assert.Equal(t, 1, c.Stats().Unconfirmed)
}

func TestRemoveCallbackRunsOnClose(t *testing.T) {
	cfg := config.Default()
	removed := make(chan *Connection, 1)
	c := newConnection(connectionParams{
		id:         "testconn02",
		remote:     Endpoint{Address: "198.51.100.7", Port: 7080},
		remoteAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 7080},
		config:     cfg,
		clock:      clock.NewMock(),
		logger:     zaptest.NewLogger(t),
		writer:     &fakeWriter{},
		onRemove:   func(c *Connection) { removed <- c },
	})
	c.Close()
	assert.Same(t, c, <-removed)
}
