/*
Servercompare is a data verification server that works with clientcompare to
validate transmission integrity over the messaging transport.

Each message carries a chunk of a file together with the offset it was read
from. The server reads the same range from its local reference file, compares
byte by byte and answers "ok <offset>" or "bad <offset> <differing bytes>".
Matches are printed in green, mismatches in red.

Usage:

	servercompare [options]
	  --svcaddr string  listening address (default "0.0.0.0:8888")
	  --file string     reference file (default "book.txt")
	  --config string   YAML transport config
*/
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/lib"
	"github.com/aliddell/kachery-p2p/logger"
	"github.com/aliddell/kachery-p2p/test/internal/chunk"
)

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorBlue  = "\033[34m"
)

var (
	svcAddr    string
	filePath   string
	configPath string
)

func init() {
	flag.StringVar(&svcAddr, "svcaddr", "0.0.0.0:8888", "Listening address in the format 'host:port'")
	flag.StringVar(&filePath, "file", "book.txt", "Path to the file for comparison")
	flag.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
}

// verifier checks chunks against a reference file. ReadAt is safe for
// concurrent use so one file serves every connection.
type verifier struct {
	ref *os.File
	log *zap.Logger
}

func (v *verifier) check(msg string) (chunk.Result, error) {
	offset, data, err := chunk.Decode(msg)
	if err != nil {
		return chunk.Result{}, err
	}
	want := make([]byte, len(data))
	n, err := v.ref.ReadAt(want, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return chunk.Result{}, err
	}
	want = want[:n]

	r := chunk.Result{Offset: offset, Diff: chunk.Differences(data, want)}
	if r.Diff == 0 {
		fmt.Printf("%s@%d %s|%s%s%s|%s\n", colorReset, offset, colorBlue, colorGreen, data, colorBlue, colorReset)
	} else {
		fmt.Printf("%s@%d %s|%s%s%s| %s(does not match file: %s|%s%s%s|%s) bytes different: %d\n",
			colorReset, offset, colorBlue, colorRed, data, colorBlue, colorReset, colorBlue, colorRed, want, colorBlue, colorReset, r.Diff)
	}
	return r, nil
}

func (v *verifier) serve(c *lib.Connection) {
	log := v.log.With(zap.String("connectionId", c.ID()), zap.Stringer("remote", c.RemoteEndpoint()))
	log.Info("client connected")
	var matched, mismatched atomic.Int64
	c.OnMessage(func(text string) {
		r, err := v.check(text)
		if err != nil {
			log.Warn("unverifiable chunk", zap.Error(err))
			return
		}
		if r.Diff == 0 {
			matched.Add(1)
		} else {
			mismatched.Add(1)
		}
		c.Send(r.String())
	})
	c.OnClose(func(err error) {
		log.Info("client gone", zap.Int64("matched", matched.Load()), zap.Int64("mismatched", mismatched.Load()), zap.Error(err))
	})
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Configuration file error:", err)
			os.Exit(1)
		}
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	host, port, err := net.SplitHostPort(svcAddr)
	if err != nil {
		log.Fatal("bad --svcaddr", zap.Error(err))
	}
	if cfg.Transport.ListenPort, err = strconv.Atoi(port); err != nil {
		log.Fatal("bad --svcaddr port", zap.Error(err))
	}
	cfg.Transport.ListenAddress = host

	ref, err := os.Open(filePath)
	if err != nil {
		log.Fatal("cannot open reference file", zap.Error(err))
	}
	defer ref.Close()

	t, err := lib.NewTransport(cfg, log)
	if err != nil {
		log.Fatal("cannot start transport", zap.Error(err))
	}
	v := &verifier{ref: ref, log: log}
	t.OnConnection(v.serve)
	log.Info("verification service started", zap.Stringer("local", t.LocalEndpoint()), zap.String("file", filePath))

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	log.Info("shutting down")
	if err := t.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
}
