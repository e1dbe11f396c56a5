// Package rail provides settlement rail implementations: an in-process mock
// rail, an HTTP card network client with circuit breaker protection, an HTTP
// shared ledger client with asynchronous confirmation, and an in-process
// escrow rail with two-party release.
package rail

import (
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"agora/internal/infra/config"
)

// Default connection pool settings for outbound rail clients: few hosts,
// moderate concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultRailTimeout = 15 * time.Second
)

// newPooledTransport creates an http.Transport with connection pooling for
// rail API calls.
func newPooledTransport(connTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultRailTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// newHTTPClient creates an *http.Client with pooled transport for rail
// providers. Used by the card and ledger rails to avoid duplicating client
// setup logic.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRailTimeout
	}
	return &http.Client{
		Transport: newPooledTransport(timeout, config.PoolConfig{}),
		Timeout:   timeout,
	}
}

// newID generates a ULID for rail references.
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
