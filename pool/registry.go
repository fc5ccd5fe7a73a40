package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
)

// Registry hands out one ConnectionPool per destination (host:port), so that
// repeated sends against the same MTA can share connections instead of each
// dialing independently. mailclient.MailClient does not use it; it owns one
// dedicated pool. Kept as an explicit type rather than
// package-level state so callers can run more than one independently
// configured registry (tests included) without cross-talk.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*ConnectionPool)}
}

// key identifies a pool's configuration - host, port, and whether it connects
// over implicit TLS, since a host may be reached both ways under different
// MailConfig entries.
func key(host string, port int, implicitTLS bool) string {
	return fmt.Sprintf("%s:%d:%v", host, port, implicitTLS)
}

// Get returns the pool for host:port, constructing it via newCfg on first
// use. newCfg is only invoked once per distinct key even under concurrent
// callers.
func (r *Registry) Get(host string, port int, implicitTLS bool, newCfg func() Config) *ConnectionPool {
	k := key(host, port, implicitTLS)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[k]; ok {
		return p
	}
	p := New(newCfg())
	r.pools[k] = p
	return p
}

// GetTLS is a convenience wrapper for destinations reached over implicit TLS
// (SMTPS), wiring TLSDialer into the pool's Config automatically.
func (r *Registry) GetTLS(host string, port int, tlsConfig *tls.Config, maxPoolSize int, keepAlive bool, keepAliveSeconds, cleanerPeriodMs int64) *ConnectionPool {
	return r.Get(host, port, true, func() Config {
		return Config{
			Host:                    host,
			Port:                    port,
			MaxPoolSize:             maxPoolSize,
			KeepAlive:               keepAlive,
			KeepAliveTimeoutSeconds: keepAliveSeconds,
			PoolCleanerPeriodMs:     cleanerPeriodMs,
			Dial:                    TLSDialer(host, port, tlsConfig),
		}
	})
}

// CloseAll closes every pool this registry has created so far.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.Close(context.Background())
	}
}
