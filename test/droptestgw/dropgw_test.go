package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aliddell/kachery-p2p/config"
	"github.com/aliddell/kachery-p2p/filter"
	"github.com/aliddell/kachery-p2p/lib"
)

func loopbackConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.ListenAddress = "127.0.0.1"
	cfg.Transport.PayloadPoolSize = 4
	cfg.Congestion.MinRttMsec = 10
	cfg.Congestion.InitialRttMsec = 50
	return cfg
}

func startGateway(t *testing.T, target lib.Endpoint, drop filter.Filter) lib.Endpoint {
	listen, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	targetAddr, err := net.ResolveUDPAddr("udp", target.String())
	require.NoError(t, err)

	g := newGateway(listen, targetAddr, drop, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, g.serve())
	}()
	t.Cleanup(func() {
		g.close()
		<-done
	})
	return lib.EndpointFromAddr(listen.LocalAddr().(*net.UDPAddr))
}

func TestGatewayRelaysUnderLoss(t *testing.T) {
	log := zaptest.NewLogger(t)
	server, err := lib.NewTransport(loopbackConfig(), log.Named("server"))
	require.NoError(t, err)
	defer server.Close()
	server.OnConnection(func(c *lib.Connection) {
		c.OnMessage(func(text string) { c.Send(text) })
	})

	client, err := lib.NewTransport(loopbackConfig(), log.Named("client"))
	require.NoError(t, err)
	defer client.Close()

	gw := startGateway(t, server.LocalEndpoint(), filter.NewLossFilter(0.1, 7))

	conn, err := client.OpenConnection(gw)
	require.NoError(t, err)
	echoes := make(chan string, 20)
	conn.OnMessage(func(text string) { echoes <- text })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// the rendezvous itself is not retried, so reopen until one gets through
	for {
		attempt, cancelAttempt := context.WithTimeout(ctx, 500*time.Millisecond)
		err := conn.WaitOpen(attempt)
		cancelAttempt()
		if err == nil {
			break
		}
		require.NoError(t, ctx.Err())
		conn.Close()
		conn, err = client.OpenConnection(gw)
		require.NoError(t, err)
		conn.OnMessage(func(text string) { echoes <- text })
	}

	want := map[string]bool{}
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		conn.Send(text)
		want[text] = true
	}
	got := map[string]bool{}
	for len(got) < len(want) {
		select {
		case text := <-echoes:
			got[text] = true
		case <-ctx.Done():
			t.Fatalf("only got %v", got)
		}
	}
	assert.Equal(t, want, got)
}
