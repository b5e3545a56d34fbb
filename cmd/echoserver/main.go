// Command echoserver is a minimal server+client demo exercising scenario S1
// (echo round trip) of the communication core: a TcpCommunicator server
// answers every message it receives with a "pong" carrying the same payload,
// broadcast to every connected client, and a TcpCommunicator
// client connects, sends one message, and prints the reply. Grounded on the
// teacher's cmd/server/main.go composition-root style: parse flags, build
// config, construct components, wire callbacks, run until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/comm"
	"github.com/astroproject/astrocomm-core/internal/communicator"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1", "server bind/dial address")
		port       = flag.Int("port", 8002, "server port (spec.md S1 default)")
		clientOnly = flag.Bool("client-only", false, "connect to an already-running server instead of starting one")
	)
	flag.Parse()

	log := logrus.WithField("component", "echoserver")

	var srv *communicator.Communicator
	if !*clientOnly {
		srvCfg := communicator.DefaultConfig()
		srvCfg.TCP.IsServer = true
		srvCfg.TCP.ServerAddress = *addr
		srvCfg.TCP.ServerPort = *port

		srv = communicator.New(srvCfg)
		srv.SetMessageCallback(func(msg *comm.CommunicationMessage) {
			log.WithField("command", msg.Command).Info("server received message")
			reply := comm.NewCommunicationMessage("", "pong", msg.Payload, 0)
			srv.SendMessage(reply)
		})
		if !srv.Connect(context.Background()) {
			log.Fatal("failed to start server")
		}
		defer srv.Shutdown()
		log.WithField("addr", srv.Addr()).Info("echo server listening")
	}

	cliCfg := communicator.DefaultConfig()
	cliCfg.TCP.ServerAddress = *addr
	cliCfg.TCP.ServerPort = *port
	cliCfg.TCP.ConnectTimeout = 5 * time.Second

	cli := communicator.New(cliCfg)
	defer cli.Shutdown()

	replied := make(chan *comm.CommunicationMessage, 1)
	cli.SetMessageCallback(func(msg *comm.CommunicationMessage) {
		select {
		case replied <- msg:
		default:
		}
	})

	if !cli.Connect(context.Background()) {
		log.Fatal("client failed to connect")
	}

	msg := comm.NewCommunicationMessage("c", "ping", map[string]interface{}{"n": 1}, 0)
	resp := cli.SendMessageSync(msg)
	fmt.Printf("sent %s: success=%v response_time=%s\n", msg.MessageID, resp.Success, resp.ResponseTime)

	select {
	case reply := <-replied:
		fmt.Printf("received reply: command=%s payload=%v\n", reply.Command, reply.Payload)
	case <-time.After(3 * time.Second):
		log.Warn("no reply received within 3s")
	}

	if *clientOnly {
		return
	}

	fmt.Printf("echo server running at %s — press Ctrl+C to stop\n", addrString(srv))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
}

func addrString(srv *communicator.Communicator) string {
	a := srv.Addr()
	if a == nil {
		return "unknown"
	}
	if tcpAddr, ok := a.(*net.TCPAddr); ok {
		return tcpAddr.String()
	}
	return a.String()
}
