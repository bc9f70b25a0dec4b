// Command client sends a burst of messages to an echo server over a
// reconnecting connection and reports how long the echoes took.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/lib"
	"github.com/aliddell/kachery-p2p/logger"
)

var (
	configPath string
	serverAddr string
	count      int
	size       int
	timeout    time.Duration
)

func init() {
	flag.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	flag.StringVarP(&serverAddr, "server", "s", fmt.Sprintf("127.0.0.1:%d", config.DefaultServerPort), "echo server ip:port")
	flag.IntVarP(&count, "count", "n", 100, "number of messages to send")
	flag.IntVar(&size, "size", 1000, "bytes per message")
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "give up waiting for echoes after this long")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	remote, err := lib.ParseEndpoint(serverAddr)
	if err != nil {
		return err
	}

	t, err := lib.NewTransport(cfg, log)
	if err != nil {
		return err
	}
	defer t.Close()

	rc, err := lib.NewReconnectingConnection(t, remote, &cfg.Reconnect)
	if err != nil {
		return err
	}
	defer rc.Close()

	var echoed atomic.Int64
	done := make(chan struct{})
	rc.OnMessage(func(string) {
		if echoed.Add(1) == int64(count) {
			close(done)
		}
	})
	failed := make(chan error, 1)
	rc.OnFinalFailure(func(err error) { failed <- err })
	rc.OnReconnect(func(c *lib.Connection) {
		log.Warn("reconnected; messages sent meanwhile are lost", zap.String("connectionId", c.ID()))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	openCtx, openCancel := context.WithTimeout(ctx, cfg.Reconnect.OpenTimeout)
	defer openCancel()
	if err := rc.Current().WaitOpen(openCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", remote, err)
	}

	payload := strings.Repeat("x", size)
	start := time.Now()
	for i := 0; i < count; i++ {
		if err := rc.Send(payload); err != nil {
			log.Warn("send failed", zap.Int("message", i), zap.Error(err))
		}
	}

	select {
	case <-done:
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("only %d of %d echoes after %v", echoed.Load(), count, timeout)
	}

	elapsed := time.Since(start)
	stats := rc.Current().Stats()
	fmt.Printf("%d messages of %d bytes echoed in %v (%.1f KB/s), rate limit %.0f B/s, rtt %v\n",
		count, size, elapsed, float64(count*size*2)/1024/elapsed.Seconds(), stats.MaxBytesPerSecond, stats.EstimatedRtt)
	return nil
}
