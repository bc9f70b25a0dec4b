// Command server runs an echo node: every message received on an accepted
// connection is sent back on that connection.
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/lib"
	"github.com/aliddell/kachery-p2p/logger"
)

var (
	configPath string
	listenIP   string
	listenPort int
	traceFile  string
	lossRate   float64
)

func init() {
	flag.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	flag.StringVar(&listenIP, "ip", config.DefaultServerIP, "address to listen on")
	flag.IntVarP(&listenPort, "port", "p", config.DefaultServerPort, "UDP port to listen on")
	flag.StringVar(&traceFile, "trace", "", "write a pcap trace of all datagrams to this file")
	flag.Float64Var(&lossRate, "loss", 0, "simulated packet loss rate (0.0-1.0)")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	if flag.CommandLine.Changed("ip") || cfg.Transport.ListenAddress == "" {
		cfg.Transport.ListenAddress = listenIP
	}
	if flag.CommandLine.Changed("port") || cfg.Transport.ListenPort == 0 {
		cfg.Transport.ListenPort = listenPort
	}
	if traceFile != "" {
		cfg.Transport.TraceFile = traceFile
	}
	if lossRate > 0 {
		cfg.Transport.PacketLossSimulation = true
		cfg.Transport.PacketLossRate = lossRate
	}
	return cfg, cfg.Validate()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	undo := logger.SetGlobal(l)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			undo()
			_ = l.Sync()
			return nil
		},
	})
	return l, nil
}

func newTransport(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*lib.Transport, error) {
	t, err := lib.NewTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return t.Close()
		},
	})
	return t, nil
}

func registerEcho(t *lib.Transport, log *zap.Logger) {
	t.OnPublicEndpointChanged(func(ep lib.Endpoint) {
		log.Info("public endpoint", zap.Stringer("endpoint", ep))
	})
	t.OnConnection(func(c *lib.Connection) {
		log := log.With(zap.String("connectionId", c.ID()), zap.Stringer("remote", c.RemoteEndpoint()))
		log.Info("client connected")
		c.OnMessage(func(text string) {
			c.Send(text)
		})
		c.OnClose(func(err error) {
			log.Info("client gone", zap.Error(err), zap.Any("stats", c.Stats()))
		})
	})
	log.Info("echo server ready", zap.Stringer("local", t.LocalEndpoint()))
}

func main() {
	flag.Parse()

	app := fx.New(
		fx.Provide(loadConfig, newLogger, newTransport),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Invoke(registerEcho),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
	app.Run()
}
