// Package pool implements a bounded pool of SMTP connections with
// keep-alive TTL eviction and a FIFO acquisition queue, grounded on the
// teacher's misc.Periodic for its background cleaner.
package pool

import (
	"container/list"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/metrics"
	"github.com/sendkit/dkimsmtp/misc"
	"github.com/sendkit/dkimsmtp/mlog"
	"github.com/sendkit/dkimsmtp/smtp"
)

// Dialer opens a new connection to the pool's configured endpoint.
type Dialer func(ctx context.Context) (net.Conn, error)

// Config parameterizes one ConnectionPool.
type Config struct {
	Host                    string
	Port                    int
	MaxPoolSize             int
	KeepAlive               bool
	KeepAliveTimeoutSeconds int64
	PoolCleanerPeriodMs     int64
	Dial                    Dialer
	// Metrics, if set, receives LiveConnections/IdleConnections gauge
	// updates labelled by Host:Port on every state transition.
	Metrics *metrics.Collectors
}

func (c Config) dialTimeout(ctx context.Context) (net.Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}

type waiter struct {
	result chan acquireResult
}

type acquireResult struct {
	conn *smtp.SmtpConnection
	err  error
}

// ConnectionPool hands out SmtpConnection leases up to Config.MaxPoolSize,
// queues excess acquirers FIFO, and recycles or evicts connections on
// release. A single mutex guards membership, live count, and the cleaner
// timer, per the component design's concurrency note.
type ConnectionPool struct {
	cfg    Config
	logger mlog.Logger

	mu      sync.Mutex
	idle    *list.List // of *smtp.SmtpConnection
	live    int
	waiters *list.List // of *waiter
	closed  bool
	cleaner *misc.Periodic
}

// New constructs a ConnectionPool and, if cfg.KeepAlive, arms its background
// cleaner.
func New(cfg Config) *ConnectionPool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 10
	}
	p := &ConnectionPool{
		cfg:     cfg,
		logger:  mlog.Logger{ComponentName: "pool.ConnectionPool", ComponentID: []mlog.LoggerIDField{{Key: "host", Value: cfg.Host}}},
		idle:    list.New(),
		waiters: list.New(),
	}
	if cfg.KeepAlive && cfg.PoolCleanerPeriodMs > 0 {
		p.cleaner = &misc.Periodic{
			LogActorName: "pool-cleaner:" + cfg.Host,
			Interval:     time.Duration(cfg.PoolCleanerPeriodMs) * time.Millisecond,
			MaxInt:       1,
			Func:         func(ctx context.Context, _, _ int) error { p.evictExpired(ctx); return nil },
		}
		_ = p.cleaner.Start(context.Background())
	}
	return p
}

// Acquire returns an idle valid connection if one exists; otherwise dials a
// fresh one if under MaxPoolSize; otherwise queues FIFO until one frees up or
// ctx is done.
func (p *ConnectionPool) Acquire(ctx context.Context) (*smtp.SmtpConnection, error) {
	const op = "pool.ConnectionPool.Acquire"
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, mailerr.New(mailerr.PoolClosed, op, "pool is closed")
	}
	if conn, ok := p.popIdleLocked(); ok {
		p.mu.Unlock()
		p.reportGauges()
		return conn, nil
	}
	if p.live < p.cfg.MaxPoolSize {
		p.live++
		p.mu.Unlock()
		p.reportGauges()
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			p.reportGauges()
			return nil, mailerr.Wrap(mailerr.ConnectFailed, op, err)
		}
		return conn, nil
	}
	w := &waiter{result: make(chan acquireResult, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case r := <-w.result:
		return r.conn, r.err
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, mailerr.Wrap(mailerr.PoolAcquireTimout, op, ctx.Err())
	}
}

func (p *ConnectionPool) popIdleLocked() (*smtp.SmtpConnection, bool) {
	for e := p.idle.Front(); e != nil; e = e.Next() {
		conn := e.Value.(*smtp.SmtpConnection)
		p.idle.Remove(e)
		if conn.Valid() {
			return conn, true
		}
		p.live--
		conn.Shutdown()
	}
	return nil, false
}

func (p *ConnectionPool) dial(ctx context.Context) (*smtp.SmtpConnection, error) {
	raw, err := p.cfg.dialTimeout(ctx)
	if err != nil {
		return nil, err
	}
	conn := smtp.NewSmtpConnection(raw)
	return conn, nil
}

// Recycle returns conn to the pool if it is still valid and keep-alive is
// enabled; otherwise it is evicted. If a waiter is queued, conn (or a fresh
// replacement slot) is handed to it directly instead of sitting idle.
func (p *ConnectionPool) Recycle(conn *smtp.SmtpConnection) {
	p.mu.Lock()
	if p.closed || !p.cfg.KeepAlive || !conn.Valid() {
		p.live--
		waiterElem := p.waiters.Front()
		p.mu.Unlock()
		p.reportGauges()
		conn.Shutdown()
		if waiterElem != nil {
			p.wakeWaiterWithFreshDial(waiterElem)
		}
		return
	}
	conn.SetExpiration(time.Now().Add(time.Duration(p.cfg.KeepAliveTimeoutSeconds) * time.Second))
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		p.mu.Unlock()
		e.Value.(*waiter).result <- acquireResult{conn: conn}
		return
	}
	p.idle.PushBack(conn)
	p.mu.Unlock()
	p.reportGauges()
}

func (p *ConnectionPool) wakeWaiterWithFreshDial(elem *list.Element) {
	p.mu.Lock()
	p.waiters.Remove(elem)
	p.live++
	p.mu.Unlock()
	p.reportGauges()
	conn, err := p.dial(context.Background())
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.reportGauges()
		elem.Value.(*waiter).result <- acquireResult{err: mailerr.Wrap(mailerr.ConnectFailed, "pool.ConnectionPool.Recycle", err)}
		return
	}
	elem.Value.(*waiter).result <- acquireResult{conn: conn}
}

// Evict drops conn from the pool's accounting and closes its socket.
func (p *ConnectionPool) Evict(conn *smtp.SmtpConnection) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.reportGauges()
	conn.Shutdown()
}

func (p *ConnectionPool) evictExpired(ctx context.Context) {
	p.mu.Lock()
	var expired []*smtp.SmtpConnection
	var kept []*smtp.SmtpConnection
	for e := p.idle.Front(); e != nil; e = e.Next() {
		conn := e.Value.(*smtp.SmtpConnection)
		if conn.Valid() {
			kept = append(kept, conn)
		} else {
			expired = append(expired, conn)
			p.live--
		}
	}
	p.idle.Init()
	for _, conn := range kept {
		p.idle.PushBack(conn)
	}
	p.mu.Unlock()
	p.reportGauges()
	for _, conn := range expired {
		conn.Quit(ctx)
		p.logger.Info(nil, nil, "cleaner evicted an idle connection past its keep-alive deadline")
	}
}

// ConnCount returns the number of connections the pool currently accounts
// for, idle plus checked out.
func (p *ConnectionPool) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// poolLabel identifies this pool's destination for metric label purposes.
func (p *ConnectionPool) poolLabel() string {
	return fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
}

// reportGauges publishes the pool's current live/idle counts to its
// configured metrics.Collectors, if any. Called after every state
// transition rather than held under the same lock as the transition
// itself, so a slow Prometheus collector never blocks Acquire/Recycle.
func (p *ConnectionPool) reportGauges() {
	if p.cfg.Metrics == nil {
		return
	}
	p.mu.Lock()
	live := float64(p.live)
	idleCount := float64(p.idle.Len())
	p.mu.Unlock()
	label := p.poolLabel()
	p.cfg.Metrics.LiveConnections.WithLabelValues(label).Set(live)
	p.cfg.Metrics.IdleConnections.WithLabelValues(label).Set(idleCount)
}

// Close prevents further acquires, fails queued waiters, and QUIT-closes
// every idle connection.
func (p *ConnectionPool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	if p.cleaner != nil {
		p.cleaner.Stop()
	}
	var idleConns []*smtp.SmtpConnection
	for e := p.idle.Front(); e != nil; e = e.Next() {
		idleConns = append(idleConns, e.Value.(*smtp.SmtpConnection))
	}
	p.idle.Init()
	p.live -= len(idleConns)
	var waiters []*waiter
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*waiter))
	}
	p.waiters.Init()
	p.mu.Unlock()
	p.reportGauges()

	for _, w := range waiters {
		w.result <- acquireResult{err: mailerr.New(mailerr.PoolClosed, "pool.ConnectionPool.Close", "pool is closing")}
	}
	for _, conn := range idleConns {
		conn.Quit(ctx)
	}
}

// tlsDialer is a convenience Dialer for pools that connect over implicit TLS
// (SMTPS on port 465) rather than STARTTLS.
func tlsDialer(host string, port int, cfg *tls.Config) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: cfg}
		return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
}

// TLSDialer exports tlsDialer for callers (mailclient) that need implicit
// TLS instead of STARTTLS.
func TLSDialer(host string, port int, cfg *tls.Config) Dialer { return tlsDialer(host, port, cfg) }
