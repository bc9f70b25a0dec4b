package lib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
)

const backoffJitter = 0.1

// ReconnectingConnection keeps a connection to one remote endpoint alive.
// When the current connection closes for any reason other than a local Close,
// it redials with exponential backoff.
type ReconnectingConnection struct {
	transport *Transport
	remote    Endpoint
	config    config.ReconnectConfig
	clock     clock.Clock
	logger    *zap.Logger

	mu             sync.RWMutex
	currentConn    *Connection
	isClosed       bool
	reconnecting   bool
	reconnectCount int
	lastError      error
	lastFailTime   time.Time

	messageObservers      []func(string)
	reconnectObservers    []func(*Connection)
	finalFailureObservers []func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconnectingConnection opens the first connection to remote. Like
// OpenConnection it does not wait for the rendezvous to complete.
func NewReconnectingConnection(t *Transport, remote Endpoint, cfg *config.ReconnectConfig) (*ReconnectingConnection, error) {
	if cfg == nil {
		d := config.DefaultReconnectConfig()
		cfg = &d
	}
	conn, err := t.OpenConnection(remote)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc := &ReconnectingConnection{
		transport:   t,
		remote:      remote,
		config:      *cfg,
		clock:       t.clock,
		logger:      t.logger.With(zap.Stringer("remote", remote)),
		currentConn: conn,
		ctx:         ctx,
		cancel:      cancel,
	}
	rc.attach(conn)
	return rc, nil
}

func (rc *ReconnectingConnection) attach(c *Connection) {
	c.OnMessage(func(text string) {
		rc.mu.RLock()
		observers := rc.messageObservers
		rc.mu.RUnlock()
		for _, fn := range observers {
			fn(text)
		}
	})
	c.OnClose(func(err error) {
		rc.handleClose(c, err)
	})
}

// Current returns the connection in use. During a reconnection it is the
// closed one until a replacement opens.
func (rc *ReconnectingConnection) Current() *Connection {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentConn
}

// Send hands text to the current connection. Messages sent while the
// connection is down are lost.
func (rc *ReconnectingConnection) Send(text string) error {
	rc.mu.RLock()
	conn, closed := rc.currentConn, rc.isClosed
	rc.mu.RUnlock()
	if closed || conn.IsClosed() {
		return ErrConnectionClosed
	}
	conn.Send(text)
	return nil
}

// OnMessage registers fn for messages arriving on any connection this
// wrapper has used or will use.
func (rc *ReconnectingConnection) OnMessage(fn func(text string)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.messageObservers = append(append([]func(string){}, rc.messageObservers...), fn)
}

// OnReconnect registers fn for every replacement connection that opens.
func (rc *ReconnectingConnection) OnReconnect(fn func(*Connection)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reconnectObservers = append(rc.reconnectObservers, fn)
}

// OnFinalFailure registers fn for when reconnection is given up.
func (rc *ReconnectingConnection) OnFinalFailure(fn func(error)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.finalFailureObservers = append(rc.finalFailureObservers, fn)
}

// Stats returns the attempts made by the current or last reconnection, and
// the last close reason seen.
func (rc *ReconnectingConnection) Stats() (attempts int, lastErr error, lastFailTime time.Time) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.reconnectCount, rc.lastError, rc.lastFailTime
}

func (rc *ReconnectingConnection) Close() {
	rc.mu.Lock()
	if rc.isClosed {
		rc.mu.Unlock()
		return
	}
	rc.isClosed = true
	conn := rc.currentConn
	rc.mu.Unlock()

	rc.cancel()
	conn.Close()
	rc.wg.Wait()
}

func (rc *ReconnectingConnection) handleClose(c *Connection, err error) {
	rc.mu.Lock()
	if rc.isClosed || c != rc.currentConn || rc.reconnecting {
		rc.mu.Unlock()
		return
	}
	rc.lastError = err
	rc.lastFailTime = rc.clock.Now()
	if err == nil {
		rc.mu.Unlock()
		return
	}
	if !rc.config.Enabled {
		observers := rc.finalFailureObservers
		rc.mu.Unlock()
		for _, fn := range observers {
			fn(err)
		}
		return
	}
	rc.reconnecting = true
	rc.wg.Add(1)
	rc.mu.Unlock()

	rc.logger.Info("connection lost, reconnecting", zap.Error(err))
	go rc.reconnectLoop(err)
}

func (rc *ReconnectingConnection) reconnectLoop(lastErr error) {
	defer rc.wg.Done()

	for attempt := 0; rc.config.MaxRetries == -1 || attempt < rc.config.MaxRetries; attempt++ {
		rc.mu.Lock()
		rc.reconnectCount = attempt + 1
		rc.mu.Unlock()

		backoff := withJitter(CalculateBackoffDuration(attempt, rc.config.InitialBackoff, rc.config.MaxBackoff, rc.config.BackoffMultiplier), backoffJitter)
		rc.logger.Debug("reconnect attempt", zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff))
		select {
		case <-rc.ctx.Done():
			return
		case <-rc.clock.After(backoff):
		}

		conn, err := rc.transport.OpenConnection(rc.remote)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTransportClosed) {
				break
			}
			continue
		}

		ctx, cancel := rc.clock.WithTimeout(rc.ctx, rc.config.OpenTimeout)
		err = conn.WaitOpen(ctx)
		cancel()
		if err != nil {
			conn.Close()
			if rc.ctx.Err() != nil {
				return
			}
			lastErr = err
			continue
		}

		rc.mu.Lock()
		if rc.isClosed {
			rc.mu.Unlock()
			conn.Close()
			return
		}
		rc.currentConn = conn
		rc.reconnecting = false
		rc.lastError = nil
		observers := rc.reconnectObservers
		rc.mu.Unlock()

		rc.logger.Info("reconnected", zap.Int("attempt", attempt+1), zap.String("connectionId", conn.ID()))
		rc.attach(conn)
		for _, fn := range observers {
			fn(conn)
		}
		return
	}

	rc.mu.Lock()
	rc.reconnecting = false
	rc.lastError = lastErr
	observers := rc.finalFailureObservers
	rc.mu.Unlock()

	finalErr := fmt.Errorf("reconnect to %s gave up after %d attempts: %w", rc.remote, rc.reconnectCount, lastErr)
	rc.logger.Warn("reconnect failed", zap.Error(finalErr))
	for _, fn := range observers {
		fn(finalErr)
	}
}
