package communicator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astroproject/astrocomm-core/internal/batch"
	"github.com/astroproject/astrocomm-core/internal/comm"
	"github.com/astroproject/astrocomm-core/internal/connpool"
	"github.com/astroproject/astrocomm-core/internal/pool"
	"github.com/astroproject/astrocomm-core/internal/serialize"
	"github.com/astroproject/astrocomm-core/internal/tcp"
)

// Protocol is the wire protocol a DeviceCommunicator speaks.
type Protocol string

const ProtocolTCP Protocol = "tcp"

// MessageCallback observes a fully parsed inbound CommunicationMessage.
type MessageCallback func(*comm.CommunicationMessage)

// StatusCallback observes connectivity transitions.
type StatusCallback func(connected bool)

// ResponseFuture decouples send acceptance from response completion, per
// spec.md §9's redesign note: unlike tcp.SendFuture's accept-gate semantics,
// this future genuinely resolves once the send (and, for batched sends, the
// enqueue) has been attempted.
type ResponseFuture struct {
	done chan struct{}
	resp *comm.CommunicationResponse
}

func newResponseFuture() *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{})}
}

func (f *ResponseFuture) complete(r *comm.CommunicationResponse) {
	f.resp = r
	close(f.done)
}

// Await blocks until the future resolves or ctx is done.
func (f *ResponseFuture) Await(ctx context.Context) (*comm.CommunicationResponse, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Communicator is the C6 TcpCommunicator façade implementing the
// DeviceCommunicator contract of spec.md §6.1.
type Communicator struct {
	cfg     *Config
	log     *logrus.Entry
	isServer bool

	optimizer *serialize.Optimizer
	memPool   *pool.MemoryPool[[]byte]
	batcher   *batch.Batcher

	stats statsTracker

	mu        sync.Mutex
	connected bool
	session   *tcp.Session
	server    *tcp.Server
	connPool  *connpool.ConnectionPool

	cbMu     sync.Mutex
	onMsg    MessageCallback
	onStatus StatusCallback
}

// New builds a Communicator from cfg, deciding client vs. server mode from
// cfg.TCP.IsServer, and initializes the enabled performance components per
// spec.md §4.6 "Construction." The transport itself (session/server/pool)
// is created lazily on Connect, matching "Connection pool is created lazily
// if enabled and applicable to the mode."
func New(cfg *Config) *Communicator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Communicator{
		cfg:      cfg,
		log:      logrus.WithField("component", "tcp_communicator"),
		isServer: cfg.TCP.IsServer,
	}

	if cfg.EnableSerializer {
		c.optimizer = serialize.New(cfg.Serialize)
	}
	if cfg.EnableMemoryPool {
		bufSize := cfg.TCP.BufferSize
		if bufSize <= 0 {
			bufSize = 8192
		}
		c.memPool = pool.New("communicator_strings", cfg.Pool, func() ([]byte, error) {
			return make([]byte, 0, bufSize), nil
		})
	}
	if cfg.TCP.EnableMessageBatching {
		c.batcher = batch.New(cfg.Batch, c.handleBatchReady, nil)
	}

	return c
}

// Connect implements DeviceCommunicator.connect: a no-op returning true if
// already connected (spec.md §8.2), otherwise establishes the transport for
// whichever mode the config selected.
func (c *Communicator) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	var err error
	switch {
	case c.isServer:
		if c.server == nil {
			c.server = tcp.NewServer(c.cfg.TCP, c.onServerMessage, c.onServerStatus)
		}
		err = c.server.Start()

	case c.cfg.EnableConnPool:
		if c.connPool == nil {
			if c.cfg.Metrics != nil {
				c.cfg.ConnPool.Metrics = c.cfg.Metrics
			}
			c.connPool = connpool.New(c.cfg.ConnPool, &sessionConnFactory{
				cfg:       c.cfg.TCP,
				onMessage: c.onClientMessage,
			})
		}
		var conn connpool.Connection
		conn, err = c.connPool.Acquire(ctx)
		if err == nil {
			c.connPool.Release(conn)
		}

	default:
		if c.session == nil {
			c.session = tcp.NewSession(c.cfg.TCP, c.onClientMessage, c.onClientStatus)
		}
		err = c.session.Connect(ctx)
	}

	if err != nil {
		c.log.WithError(err).Warn("connect failed")
		return false
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.deliverStatus(true)
	return true
}

// Disconnect implements DeviceCommunicator.disconnect. A no-op if already
// disconnected.
func (c *Communicator) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	isServer := c.isServer
	server := c.server
	session := c.session
	connPool := c.connPool
	c.mu.Unlock()

	switch {
	case isServer && server != nil:
		server.Stop()
	case connPool != nil:
		connPool.Shutdown()
	case session != nil:
		session.Disconnect()
	}
	c.deliverStatus(false)
}

// Addr returns the bound listen address of a server-mode Communicator after
// Connect, useful for tests that bind an ephemeral port. Returns nil for
// client mode or before Connect.
func (c *Communicator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Addr()
}

// IsConnected implements DeviceCommunicator.is_connected.
func (c *Communicator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendMessage implements DeviceCommunicator.send_message: the async form,
// genuinely decoupling acceptance from completion by running the full send
// on its own goroutine.
func (c *Communicator) SendMessage(msg *comm.CommunicationMessage) *ResponseFuture {
	f := newResponseFuture()
	go func() { f.complete(c.sendMessageSync(msg)) }()
	return f
}

// SendMessageSync implements DeviceCommunicator.send_message_sync.
func (c *Communicator) SendMessageSync(msg *comm.CommunicationMessage) *comm.CommunicationResponse {
	return c.sendMessageSync(msg)
}

func (c *Communicator) sendMessageSync(msg *comm.CommunicationMessage) *comm.CommunicationResponse {
	start := time.Now()

	if !c.IsConnected() {
		elapsed := time.Since(start)
		c.stats.recordSend(false, elapsed)
		return comm.FailureResponse(msg.MessageID, comm.NotConnected("send_message"), elapsed)
	}

	wire, err := c.serializeMessage(msg)
	if err != nil {
		elapsed := time.Since(start)
		c.stats.recordSend(false, elapsed)
		return comm.FailureResponse(msg.MessageID, err, elapsed)
	}

	var ok bool
	if c.batcher != nil {
		ok = c.enqueueBatched(msg, wire) == nil
	} else {
		ok = c.transmit(msg.DeviceID, wire)
	}

	elapsed := time.Since(start)
	c.stats.recordSend(ok, elapsed)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordSend(ok, elapsed)
	}
	if !ok {
		return comm.FailureResponse(msg.MessageID, comm.Internal("send_message", nil), elapsed)
	}
	return comm.SuccessResponse(msg.MessageID, elapsed)
}

// serializeMessage implements spec.md §4.6 send-flow step 2: via the
// optimizer (content-addressed cache, consulted on the envelope map) if
// enabled, else a direct dump using a pooled scratch buffer from C1 when
// available.
func (c *Communicator) serializeMessage(msg *comm.CommunicationMessage) (string, error) {
	if c.optimizer != nil {
		start := time.Now()
		before := c.optimizer.Stats()
		wire, err := c.optimizer.Serialize(msg.WireMap())
		if c.cfg.Metrics != nil {
			after := c.optimizer.Stats()
			c.cfg.Metrics.RecordSerialize(time.Since(start), after.CacheHits > before.CacheHits)
		}
		return wire, err
	}

	wire, err := msg.ToWire()
	if err != nil {
		return "", comm.SerializationFailed("send_message", err)
	}

	if c.memPool == nil {
		return string(wire), nil
	}
	h, ok := c.memPool.Acquire()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPoolAcquire("communicator_strings", ok)
		s := c.memPool.Stats()
		c.cfg.Metrics.SetPoolSize("communicator_strings", s.CurrentPoolSize-s.CurrentActiveObjects, s.CurrentActiveObjects)
	}
	if !ok {
		return string(wire), nil
	}
	defer h.Release()
	buf := append(h.Value()[:0], wire...)
	return string(buf), nil
}

// transmit implements spec.md §4.6 send-flow step 3: server mode addresses
// a single client or broadcasts; client mode enqueues through whichever
// transport (a pooled session or the one persistent session) is active.
func (c *Communicator) transmit(destination, wire string) bool {
	if c.isServer {
		if destination != "" {
			return c.server.SendToClient(destination, wire)
		}
		return c.server.SendToAllClients(wire) > 0
	}

	if c.connPool != nil {
		conn, err := c.connPool.Acquire(context.Background())
		if err != nil {
			return false
		}
		sc := conn.(*sessionConnection)
		ok, _ := sc.session.SendMessage(wire).Await(context.Background())
		c.connPool.Release(conn)
		return ok
	}

	if c.session == nil {
		return false
	}
	ok, _ := c.session.SendMessage(wire).Await(context.Background())
	return ok
}

func (c *Communicator) enqueueBatched(msg *comm.CommunicationMessage, wire string) error {
	return c.batcher.AddMessage(batch.Message{
		ID:          msg.MessageID,
		Type:        msg.Command,
		Destination: msg.DeviceID,
		Payload:     msg.Payload,
		Priority:    msg.Priority,
		Size:        len(wire),
		CreatedAt:   time.Now(),
		Metadata:    map[string]interface{}{"wire": wire},
	})
}

// handleBatchReady is the batcher's dispatch callback: it actually performs
// the wire transmission for every message a batch coalesced, using the
// same transmit path a non-batched send would have taken.
func (c *Communicator) handleBatchReady(b batch.MessageBatch) error {
	for _, m := range b.Messages {
		wire, _ := m.Metadata["wire"].(string)
		if wire == "" {
			continue
		}
		if !c.transmit(m.Destination, wire) {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordBatchDispatched(len(b.Messages), false)
			}
			return fmt.Errorf("batch %s: delivery failed for message %s", b.BatchID, m.ID)
		}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordBatchDispatched(len(b.Messages), true)
	}
	return nil
}

// SetMessageCallback implements DeviceCommunicator.set_message_callback.
func (c *Communicator) SetMessageCallback(fn MessageCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMsg = fn
}

// SetConnectionStatusCallback implements
// DeviceCommunicator.set_connection_status_callback.
func (c *Communicator) SetConnectionStatusCallback(fn StatusCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStatus = fn
}

func (c *Communicator) deliverMessage(msg *comm.CommunicationMessage) {
	c.cbMu.Lock()
	fn := c.onMsg
	c.cbMu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("message callback panicked")
		}
	}()
	fn(msg)
}

func (c *Communicator) deliverStatus(connected bool) {
	c.cbMu.Lock()
	fn := c.onStatus
	c.cbMu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("status callback panicked")
		}
	}()
	fn(connected)
}

// onClientMessage is the inbound path for client mode, spec.md §4.6
// "inbound": deserialize, synthesizing an "error" command on parse failure.
func (c *Communicator) onClientMessage(wire string) {
	msg, err := comm.FromWire([]byte(wire))
	if err != nil {
		msg = comm.ErrorEnvelope([]byte(wire))
	}
	c.stats.recordReceive()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTCPMessage("inbound", len(wire))
	}
	c.deliverMessage(msg)
}

func (c *Communicator) onClientStatus(connected bool, err error) {
	if err != nil && c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTCPError()
	}
	c.deliverStatus(connected)
}

// onServerMessage is the inbound path for server mode: identical envelope
// parsing, with the accepting client_id filled in as device_id when the
// envelope left it blank, so a reply can be addressed back with send_message.
func (c *Communicator) onServerMessage(clientID, wire string) {
	msg, err := comm.FromWire([]byte(wire))
	if err != nil {
		msg = comm.ErrorEnvelope([]byte(wire))
	}
	if msg.DeviceID == "" {
		msg.DeviceID = clientID
	}
	c.stats.recordReceive()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTCPMessage("inbound", len(wire))
	}
	c.deliverMessage(msg)
}

func (c *Communicator) onServerStatus(_ string, connected bool) {
	c.deliverStatus(connected)
}

// Statistics implements DeviceCommunicator.statistics.
func (c *Communicator) Statistics() CommunicationStats {
	return c.stats.snapshot()
}

// ResetStatistics implements DeviceCommunicator.reset_statistics.
func (c *Communicator) ResetStatistics() {
	c.stats.reset()
}

// SupportedProtocols implements DeviceCommunicator.supported_protocols.
func (c *Communicator) SupportedProtocols() []Protocol {
	return []Protocol{ProtocolTCP}
}

// Shutdown releases every performance component this Communicator owns, in
// addition to disconnecting the transport. Not part of the DeviceCommunicator
// contract, but necessary so a caller can tear a Communicator down cleanly.
func (c *Communicator) Shutdown() {
	c.Disconnect()
	if c.batcher != nil {
		c.batcher.Shutdown()
	}
	if c.optimizer != nil {
		c.optimizer.Shutdown()
	}
	if c.memPool != nil {
		c.memPool.Shutdown()
	}
}
