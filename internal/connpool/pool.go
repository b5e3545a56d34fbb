package connpool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/astroproject/astrocomm-core/internal/comm"
	"github.com/astroproject/astrocomm-core/internal/metrics"
)

// Config mirrors spec.md §6.3 ConnectionPoolConfig.
type Config struct {
	MinConnections      int           `json:"min_connections"`
	MaxConnections      int           `json:"max_connections"`
	InitialConnections  int           `json:"initial_connections"`
	AcquireTimeout      time.Duration `json:"acquire_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout"`
	MaxLifetime         time.Duration `json:"max_lifetime"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	CleanupInterval     time.Duration `json:"cleanup_interval"`
	EnableHealthChecks  bool          `json:"enable_health_checks"`
	EnableMetrics       bool          `json:"enable_metrics"`
	GrowthFactor        float64       `json:"growth_factor"`
	ShrinkThreshold     float64       `json:"shrink_threshold"`

	// Metrics is optional; when nil, or when EnableMetrics is false, no
	// prometheus metrics are recorded.
	Metrics *metrics.Collector `json:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		MinConnections:      2,
		MaxConnections:      20,
		InitialConnections:  2,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		CleanupInterval:     time.Minute,
		EnableHealthChecks:  true,
		EnableMetrics:       true,
		GrowthFactor:        1.5,
		ShrinkThreshold:     0.3,
	}
}

// Stats is a point-in-time metrics snapshot.
type Stats struct {
	TotalConnections    int
	ActiveConnections   int
	IdleConnections     int
	AcquisitionTimeouts int64
	HealthCheckFailures int64
	CreatedTotal        int64
	DestroyedTotal      int64
}

// ConnectionPool is the C4 ConnectionPool.
type ConnectionPool struct {
	cfg     *Config
	factory Factory
	log     *logrus.Entry
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	idle    []*pooledConnection
	active  map[Connection]*pooledConnection
	total   int
	running bool
	waitCh  chan struct{}
	stats   Stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a ConnectionPool, pre-creating InitialConnections idle
// connections (best-effort; failures are logged, not fatal), and starts its
// health-check and maintenance workers.
func New(cfg *Config, factory Factory) *ConnectionPool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &ConnectionPool{
		cfg:     cfg,
		factory: factory,
		log:     logrus.WithField("component", "connection_pool").WithField("type", factory.ConnectionType()),
		active:  make(map[Connection]*pooledConnection),
		running: true,
		waitCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connpool:" + factory.ConnectionType(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.WithField("from", from.String()).WithField("to", to.String()).Warn("connection factory circuit breaker state change")
		},
	})

	ctx := context.Background()
	for i := 0; i < cfg.InitialConnections; i++ {
		pc, err := p.createConnection(ctx)
		if err != nil {
			p.log.WithError(err).Warn("failed to create initial connection")
			continue
		}
		p.total++
		p.idle = append(p.idle, pc)
	}

	if cfg.EnableHealthChecks && cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthCheckLoop()
	}
	if cfg.CleanupInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}

	p.reportGauge()
	return p
}

// createConnection calls the factory through the circuit breaker and
// connects the result, per spec.md §4.4's Factory trait.
func (p *ConnectionPool) createConnection(ctx context.Context) (*pooledConnection, error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.factory.CreateConnection(ctx)
	})
	if err != nil {
		return nil, err
	}
	conn, ok := res.(Connection)
	if !ok || conn == nil {
		return nil, comm.Internal("create_connection", nil)
	}
	if err := conn.Connect(ctx); err != nil {
		conn.Disconnect()
		return nil, err
	}
	now := time.Now()
	p.mu.Lock()
	p.stats.CreatedTotal++
	p.mu.Unlock()
	return &pooledConnection{conn: conn, createdAt: now, lastUsedAt: now}, nil
}

func (p *ConnectionPool) isValid(pc *pooledConnection) bool {
	return pc.conn.IsConnected() && pc.conn.IsHealthy() &&
		p.factory.ValidateConnection(pc.conn) && !pc.expired(p.cfg.MaxLifetime)
}

// reportGauge pushes the current idle/active split to the optional
// metrics collector. Must be called without p.mu held: it takes its own
// brief lock to read a consistent snapshot.
func (p *ConnectionPool) reportGauge() {
	if !p.cfg.EnableMetrics || p.cfg.Metrics == nil {
		return
	}
	p.mu.Lock()
	idle, active := len(p.idle), len(p.active)
	p.mu.Unlock()
	p.cfg.Metrics.SetConnPoolState(idle, active)
}

// notifyLocked wakes every Acquire caller blocked on the previous wait
// generation. Caller must hold p.mu.
func (p *ConnectionPool) notifyLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// destroy disconnects a connection and accounts for its removal. Must be
// called without p.mu held.
func (p *ConnectionPool) destroy(pc *pooledConnection) {
	pc.conn.Disconnect()
	p.mu.Lock()
	p.total--
	p.stats.DestroyedTotal++
	p.notifyLocked()
	p.mu.Unlock()
	p.reportGauge()
}

// Acquire implements spec.md §4.4's acquire protocol: pop-and-validate an
// idle connection, else grow if under max, else wait on the broadcast
// wake channel (the Go analogue of a condition variable) until release or
// timeout.
func (p *ConnectionPool) Acquire(ctx context.Context) (Connection, error) {
	// AcquireTimeout == 0 means "evaluate the exhausted-pool wait once and
	// return immediately," matching the original's condition_variable::wait_for
	// with a zero duration (connection_pool.cpp), not "wait forever."
	localCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return nil, comm.PoolShutdown("acquire")
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.isValid(pc) {
				p.mu.Lock()
				pc.lastUsedAt = time.Now()
				pc.usageCount++
				p.active[pc.conn] = pc
				p.mu.Unlock()
				p.reportGauge()
				return pc.conn, nil
			}
			p.destroy(pc)
			continue
		}

		if p.total < p.cfg.MaxConnections {
			p.total++
			p.mu.Unlock()

			pc, err := p.createConnection(localCtx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, comm.Internal("acquire:create_connection", err)
			}
			p.mu.Lock()
			pc.usageCount++
			p.active[pc.conn] = pc
			p.mu.Unlock()
			p.reportGauge()
			return pc.conn, nil
		}

		ch := p.waitCh
		p.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-localCtx.Done():
			p.mu.Lock()
			p.stats.AcquisitionTimeouts++
			p.mu.Unlock()
			if p.cfg.EnableMetrics && p.cfg.Metrics != nil {
				p.cfg.Metrics.RecordConnPoolAcquireTimeout()
			}
			return nil, comm.AcquireTimeout("acquire", p.cfg.AcquireTimeout)
		case <-p.stopCh:
			return nil, comm.PoolShutdown("acquire")
		}
	}
}

// Release implements spec.md §4.4's release protocol: revalidate, then
// either return to idle (notifying waiters) or destroy.
func (p *ConnectionPool) Release(conn Connection) error {
	p.mu.Lock()
	pc, ok := p.active[conn]
	if !ok {
		p.mu.Unlock()
		return comm.ValidationFailed("release", "connection not owned by this pool")
	}
	delete(p.active, conn)
	p.mu.Unlock()

	if !p.isValid(pc) {
		p.destroy(pc)
		return nil
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		pc.conn.Disconnect()
		return nil
	}
	pc.lastUsedAt = time.Now()
	p.idle = append(p.idle, pc)
	p.notifyLocked()
	p.mu.Unlock()
	p.reportGauge()
	return nil
}

// healthCheckLoop is spec.md §4.4's health check worker.
func (p *ConnectionPool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runHealthCheck()
		case <-p.stopCh:
			return
		}
	}
}

func (p *ConnectionPool) runHealthCheck() {
	p.mu.Lock()
	candidates := make([]*pooledConnection, 0, len(p.idle)+len(p.active))
	candidates = append(candidates, p.idle...)
	for _, pc := range p.active {
		candidates = append(candidates, pc)
	}
	p.mu.Unlock()

	var unhealthy []*pooledConnection
	for _, pc := range candidates {
		if !p.isValid(pc) {
			unhealthy = append(unhealthy, pc)
		}
	}
	if len(unhealthy) == 0 {
		return
	}

	p.mu.Lock()
	bad := make(map[*pooledConnection]struct{}, len(unhealthy))
	for _, pc := range unhealthy {
		bad[pc] = struct{}{}
	}
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if _, isBad := bad[pc]; !isBad {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	for conn, pc := range p.active {
		if _, isBad := bad[pc]; isBad {
			delete(p.active, conn)
		}
	}
	p.total -= len(unhealthy)
	p.stats.HealthCheckFailures += int64(len(unhealthy))
	p.notifyLocked()
	p.mu.Unlock()

	if p.cfg.EnableMetrics && p.cfg.Metrics != nil {
		for range unhealthy {
			p.cfg.Metrics.RecordConnPoolHealthFailure()
		}
	}

	for _, pc := range unhealthy {
		pc.conn.Disconnect()
		p.mu.Lock()
		p.stats.DestroyedTotal++
		p.mu.Unlock()
	}
	p.reportGauge()
}

// maintenanceLoop is spec.md §4.4's maintenance worker.
func (p *ConnectionPool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runMaintenance()
		case <-p.stopCh:
			return
		}
	}
}

func (p *ConnectionPool) runMaintenance() {
	p.mu.Lock()

	var expired []*pooledConnection
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.idleExpired(p.cfg.IdleTimeout) && p.total-len(expired) > p.cfg.MinConnections {
			expired = append(expired, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.total -= len(expired)
	if len(expired) > 0 {
		p.notifyLocked()
	}

	total := p.total
	active := len(p.active)
	p.mu.Unlock()

	for _, pc := range expired {
		pc.conn.Disconnect()
		p.mu.Lock()
		p.stats.DestroyedTotal++
		p.mu.Unlock()
	}

	if total == 0 {
		return
	}
	utilization := float64(active) / float64(total)

	if utilization > 0.8 && total < p.cfg.MaxConnections {
		grow := int(math.Floor(float64(total) * (p.cfg.GrowthFactor - 1)))
		if grow < 1 {
			grow = 1
		}
		if total+grow > p.cfg.MaxConnections {
			grow = p.cfg.MaxConnections - total
		}
		ctx := context.Background()
		for i := 0; i < grow; i++ {
			pc, err := p.createConnection(ctx)
			if err != nil {
				p.log.WithError(err).Warn("maintenance: failed to grow pool")
				break
			}
			p.mu.Lock()
			p.total++
			p.idle = append(p.idle, pc)
			p.notifyLocked()
			p.mu.Unlock()
		}
	} else if p.cfg.ShrinkThreshold > 0 && utilization < p.cfg.ShrinkThreshold && total > p.cfg.MinConnections {
		excess := total - p.cfg.MinConnections
		p.mu.Lock()
		var toDrop []*pooledConnection
		for i := 0; i < excess && len(p.idle) > 0; i++ {
			n := len(p.idle)
			toDrop = append(toDrop, p.idle[n-1])
			p.idle = p.idle[:n-1]
			p.total--
		}
		p.mu.Unlock()
		for _, pc := range toDrop {
			pc.conn.Disconnect()
			p.mu.Lock()
			p.stats.DestroyedTotal++
			p.mu.Unlock()
		}
	}

	if p.cfg.EnableMetrics {
		s := p.Stats()
		p.log.WithFields(logrus.Fields{
			"total": s.TotalConnections, "active": s.ActiveConnections, "idle": s.IdleConnections,
		}).Debug("connection pool maintenance completed")
		p.reportGauge()
	}
}

// Stats returns a point-in-time metrics snapshot.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.TotalConnections = p.total
	s.ActiveConnections = len(p.active)
	s.IdleConnections = len(p.idle)
	return s
}

// Shutdown signals running=false, wakes every waiter, joins the background
// workers, and destroys every known connection (idle and active).
func (p *ConnectionPool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		p.notifyLocked()
		p.mu.Unlock()
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	active := make([]*pooledConnection, 0, len(p.active))
	for _, pc := range p.active {
		active = append(active, pc)
	}
	p.active = make(map[Connection]*pooledConnection)
	p.total = 0
	p.mu.Unlock()

	for _, pc := range idle {
		pc.conn.Disconnect()
	}
	for _, pc := range active {
		pc.conn.Disconnect()
	}
}
