// Command droptestgw is a lossy UDP relay. Clients talk to the gateway as if
// it were the target; datagrams in both directions are dropped at --droprate.
package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/filter"
	"github.com/aliddell/kachery-p2p/logger"
)

var (
	gatewayIP   string
	gatewayPort int
	targetAddr  string
	dropRate    float64
)

func init() {
	flag.StringVar(&gatewayIP, "ip", "127.0.0.2", "Gateway IP address")
	flag.IntVar(&gatewayPort, "port", 8901, "Gateway port number")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:7080", "Target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
}

// gateway relays between clients on its listening socket and the target.
// Each client gets its own upstream socket so replies can be told apart.
type gateway struct {
	listen *net.UDPConn
	target *net.UDPAddr
	drop   filter.Filter
	log    *zap.Logger

	mu        sync.Mutex
	upstreams map[string]*net.UDPConn
	closed    bool
	wg        sync.WaitGroup
}

func newGateway(listen *net.UDPConn, target *net.UDPAddr, drop filter.Filter, log *zap.Logger) *gateway {
	return &gateway{
		listen:    listen,
		target:    target,
		drop:      drop,
		log:       log,
		upstreams: make(map[string]*net.UDPConn),
	}
}

func (g *gateway) serve() error {
	buf := make([]byte, config.MaxDatagramSize)
	for {
		n, client, err := g.listen.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if g.drop.Drop(filter.Inbound, client, buf[:n]) {
			g.log.Debug("dropped client-to-server datagram", zap.Stringer("client", client), zap.Int("size", n))
			continue
		}
		up, err := g.upstream(client)
		if err != nil {
			g.log.Warn("no upstream for client", zap.Stringer("client", client), zap.Error(err))
			continue
		}
		if _, err := up.Write(buf[:n]); err != nil {
			g.log.Warn("forward to server failed", zap.Error(err))
		}
	}
}

func (g *gateway) upstream(client *net.UDPAddr) (*net.UDPConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, net.ErrClosed
	}
	key := client.String()
	if up, ok := g.upstreams[key]; ok {
		return up, nil
	}
	up, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, err
	}
	g.upstreams[key] = up
	g.log.Info("new client", zap.Stringer("client", client), zap.Stringer("upstream", up.LocalAddr()))

	g.wg.Add(1)
	go g.relayBack(up, client)
	return up, nil
}

func (g *gateway) relayBack(up *net.UDPConn, client *net.UDPAddr) {
	defer g.wg.Done()
	buf := make([]byte, config.MaxDatagramSize)
	for {
		n, err := up.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				g.log.Warn("read from server failed", zap.Stringer("client", client), zap.Error(err))
			}
			return
		}
		if g.drop.Drop(filter.Outbound, client, buf[:n]) {
			g.log.Debug("dropped server-to-client datagram", zap.Stringer("client", client), zap.Int("size", n))
			continue
		}
		if _, err := g.listen.WriteToUDP(buf[:n], client); err != nil {
			g.log.Warn("forward to client failed", zap.Error(err))
		}
	}
}

func (g *gateway) close() {
	g.mu.Lock()
	g.closed = true
	for _, up := range g.upstreams {
		up.Close()
	}
	g.mu.Unlock()
	g.listen.Close()
	g.wg.Wait()
}

func main() {
	flag.Parse()

	logCfg := config.Default().Log
	log, err := logger.New(logCfg)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatal("invalid target", zap.String("target", targetAddr), zap.Error(err))
	}
	listen, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(gatewayIP), Port: gatewayPort})
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}

	loss := filter.NewLossFilter(dropRate, 0)
	g := newGateway(listen, target, loss, log)
	log.Info("drop gateway started",
		zap.Stringer("listen", listen.LocalAddr()),
		zap.Stringer("target", target),
		zap.Float64("dropRate", loss.Rate()))

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("shutting down")
		g.close()
	}()

	if err := g.serve(); err != nil {
		log.Error("gateway stopped", zap.Error(err))
	}
	g.close()
	dropped, passed := loss.Counts()
	log.Info("gateway exiting", zap.Uint64("dropped", dropped), zap.Uint64("passed", passed))
}
