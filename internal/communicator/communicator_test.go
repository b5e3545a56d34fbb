package communicator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroproject/astrocomm-core/internal/comm"
)

func serverConfig() *Config {
	cfg := DefaultConfig()
	cfg.TCP.IsServer = true
	cfg.TCP.ServerAddress = "127.0.0.1"
	cfg.TCP.ServerPort = 0
	return cfg
}

func clientConfig(addr *net.TCPAddr) *Config {
	cfg := DefaultConfig()
	cfg.TCP.ServerAddress = "127.0.0.1"
	cfg.TCP.ServerPort = addr.Port
	cfg.TCP.ConnectTimeout = 2 * time.Second
	return cfg
}

// TestS1EchoRoundTrip implements spec.md §8.4 S1: a client sends a ping, the
// server's message callback fires, the server replies, the client's
// callback fires, and both sides' statistics advance accordingly.
func TestS1EchoRoundTrip(t *testing.T) {
	srv := New(serverConfig())
	defer srv.Shutdown()

	var serverHits int32
	srv.SetMessageCallback(func(msg *comm.CommunicationMessage) {
		atomic.AddInt32(&serverHits, 1)
		reply := comm.NewCommunicationMessage("", "pong", msg.Payload, 0)
		srv.SendMessage(reply)
	})
	require.True(t, srv.Connect(context.Background()))

	addr := srv.Addr().(*net.TCPAddr)
	cli := New(clientConfig(addr))
	defer cli.Shutdown()

	var clientHits int32
	clientDone := make(chan struct{}, 1)
	cli.SetMessageCallback(func(msg *comm.CommunicationMessage) {
		atomic.AddInt32(&clientHits, 1)
		clientDone <- struct{}{}
	})
	require.True(t, cli.Connect(context.Background()))

	msg := comm.NewCommunicationMessage("c", "ping", map[string]interface{}{"n": float64(1)}, 0)
	resp := cli.SendMessageSync(msg)
	require.True(t, resp.Success)

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server reply")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&serverHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&clientHits))
	assert.GreaterOrEqual(t, cli.Statistics().MessagesSent, int64(1))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Statistics().MessagesReceived < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, srv.Statistics().MessagesReceived, int64(1))
}

// TestS2HundredMessageBurst implements spec.md §8.4 S2.
func TestS2HundredMessageBurst(t *testing.T) {
	srv := New(serverConfig())
	defer srv.Shutdown()
	require.True(t, srv.Connect(context.Background()))

	addr := srv.Addr().(*net.TCPAddr)
	cli := New(clientConfig(addr))
	defer cli.Shutdown()
	require.True(t, cli.Connect(context.Background()))

	payload := map[string]interface{}{"data": make([]byte, 100)}

	success := int32(0)
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; i < 100 && time.Now().Before(deadline); i++ {
		resp := cli.SendMessageSync(comm.NewCommunicationMessage("c", "burst", payload, 0))
		if resp.Success {
			atomic.AddInt32(&success, 1)
		}
	}

	assert.GreaterOrEqual(t, int(success), 90)
	assert.Greater(t, cli.Statistics().AverageResponseTime, 0.0)
}

// TestS3BroadcastToThreeClients implements spec.md §8.4 S3.
func TestS3BroadcastToThreeClients(t *testing.T) {
	srv := New(serverConfig())
	defer srv.Shutdown()
	require.True(t, srv.Connect(context.Background()))
	addr := srv.Addr().(*net.TCPAddr)

	const n = 3
	clients := make([]*Communicator, n)
	hits := make([]int32, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		idx := i
		c := New(clientConfig(addr))
		clients[i] = c
		c.SetMessageCallback(func(msg *comm.CommunicationMessage) {
			if atomic.AddInt32(&hits[idx], 1) == 1 {
				wg.Done()
			}
		})
		require.True(t, c.Connect(context.Background()))
		defer c.Shutdown()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !clientCountReached(srv, n) {
		time.Sleep(5 * time.Millisecond)
	}

	sent := srv.server.SendToAllClients("broadcast")
	assert.Equal(t, n, sent)

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("not every client received the broadcast")
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits[i]))
	}
}

func clientCountReached(c *Communicator, n int) bool {
	return c.server.ClientCount() >= n
}

func TestConnectOnAlreadyConnectedIsNoop(t *testing.T) {
	srv := New(serverConfig())
	defer srv.Shutdown()
	require.True(t, srv.Connect(context.Background()))
	assert.True(t, srv.Connect(context.Background()))
}

func TestResetStatisticsTwiceYieldsSameZeroedStats(t *testing.T) {
	c := New(DefaultConfig())
	c.stats.recordSend(true, 5*time.Millisecond)
	c.ResetStatistics()
	first := c.Statistics()
	c.ResetStatistics()
	second := c.Statistics()
	assert.Equal(t, first, second)
	assert.Equal(t, CommunicationStats{}, second)
}

func TestSendMessageSyncFailsWhenNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	resp := c.SendMessageSync(comm.NewCommunicationMessage("x", "ping", nil, 0))
	assert.False(t, resp.Success)
}

func TestSupportedProtocolsReturnsTCP(t *testing.T) {
	c := New(DefaultConfig())
	assert.Equal(t, []Protocol{ProtocolTCP}, c.SupportedProtocols())
}
