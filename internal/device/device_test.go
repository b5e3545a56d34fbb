package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroproject/astrocomm-core/internal/comm"
	"github.com/astroproject/astrocomm-core/internal/communicator"
)

func TestDeviceSendCommandSucceeds(t *testing.T) {
	srvCfg := communicator.DefaultConfig()
	srvCfg.TCP.IsServer = true
	srvCfg.TCP.ServerAddress = "127.0.0.1"
	srvCfg.TCP.ServerPort = 0
	srv := communicator.New(srvCfg)
	defer srv.Shutdown()
	require.True(t, srv.Connect(context.Background()))
	addr := srv.Addr().(*net.TCPAddr)

	cliCfg := communicator.DefaultConfig()
	cliCfg.TCP.ServerAddress = "127.0.0.1"
	cliCfg.TCP.ServerPort = addr.Port
	cliCfg.TCP.ConnectTimeout = 2 * time.Second
	cli := communicator.New(cliCfg)
	defer cli.Shutdown()

	dev := New("scope-1", "telescope", cli)
	require.True(t, dev.Connect(context.Background()))

	resp := dev.SendCommand("get_status", map[string]interface{}{"n": float64(1)})
	assert.True(t, resp.Success)
	assert.GreaterOrEqual(t, dev.Statistics().MessagesSent, int64(1))
}

func TestDevicePropertyBagMergesInboundPayload(t *testing.T) {
	cli := communicator.New(communicator.DefaultConfig())
	dev := New("scope-1", "telescope", cli)

	dev.handleMessage(comm.NewCommunicationMessage("scope-1", "status", map[string]interface{}{
		"ra":  10.5,
		"dec": -5.2,
	}, 0))

	ra, ok := dev.GetProperty("ra")
	require.True(t, ok)
	assert.Equal(t, 10.5, ra)
	assert.Len(t, dev.Properties(), 2)
}

func TestDevicePropertyBagIgnoresErrorEnvelope(t *testing.T) {
	cli := communicator.New(communicator.DefaultConfig())
	dev := New("scope-1", "telescope", cli)

	dev.handleMessage(comm.ErrorEnvelope([]byte("not json")))
	assert.Empty(t, dev.Properties())
}
