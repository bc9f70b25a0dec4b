// Command clientcompare streams a file to servercompare in offset-tagged
// chunks and tallies the server's verdicts. It exits non-zero when any chunk
// mismatched or went unanswered.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/lib"
	"github.com/aliddell/kachery-p2p/logger"
	"github.com/aliddell/kachery-p2p/test/internal/chunk"
)

var (
	serverAddr string
	filePath   string
	chunkSize  int
	configPath string
	timeout    time.Duration
)

func init() {
	flag.StringVar(&serverAddr, "server", "127.0.0.1:8888", "Server address in the format 'host:port'")
	flag.StringVar(&filePath, "file", "book.txt", "Path to the file to send")
	flag.IntVar(&chunkSize, "chunk", 1400, "bytes of file per message")
	flag.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	flag.DurationVar(&timeout, "timeout", time.Minute, "give up waiting for verdicts after this long")
}

type tally struct {
	mu      sync.Mutex
	pending map[int64]bool
	bad     []chunk.Result
	done    chan struct{}
}

func (t *tally) record(r chunk.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending[r.Offset] {
		return
	}
	delete(t.pending, r.Offset)
	if r.Diff != 0 {
		t.bad = append(t.bad, r)
	}
	if len(t.pending) == 0 {
		close(t.done)
	}
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clientcompare:", err)
		os.Exit(1)
	}
}

func run() error {
	if chunkSize <= 0 {
		return fmt.Errorf("--chunk must be positive")
	}
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
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", filePath)
	}

	t, err := lib.NewTransport(cfg, log)
	if err != nil {
		return err
	}
	defer t.Close()

	conn, err := t.OpenConnection(remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	if err := conn.WaitOpen(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", remote, err)
	}
	log.Info("connection established", zap.String("connectionId", conn.ID()))

	results := &tally{pending: make(map[int64]bool), done: make(chan struct{})}
	for off := 0; off < len(data); off += chunkSize {
		results.pending[int64(off)] = true
	}
	conn.OnMessage(func(text string) {
		r, err := chunk.ParseResult(text)
		if err != nil {
			log.Warn("unexpected reply", zap.Error(err))
			return
		}
		results.record(r)
	})

	start := time.Now()
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		conn.Send(chunk.Encode(int64(off), data[off:end]))
	}

	select {
	case <-results.done:
	case <-conn.Done():
		return fmt.Errorf("connection closed: %w", conn.Err())
	case <-ctx.Done():
		results.mu.Lock()
		missing := len(results.pending)
		results.mu.Unlock()
		return fmt.Errorf("%d chunks unanswered: %w", missing, ctx.Err())
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stdout, "%d bytes verified in %v (%.1f KB/s)\n", len(data), elapsed, float64(len(data))/1024/elapsed.Seconds())
	if len(results.bad) > 0 {
		for _, r := range results.bad {
			fmt.Fprintf(os.Stdout, "  offset %d: %d bytes different\n", r.Offset, r.Diff)
		}
		return fmt.Errorf("%d of %d chunks mismatched", len(results.bad), (len(data)+chunkSize-1)/chunkSize)
	}
	return nil
}
