package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"mdbin/metrics"
	"mdbin/svc/db"
	"mdbin/svc/util"
)

const (
	maxLocalBuckets = 10000
	bucketTTL       = 30 * time.Minute
	window          = time.Minute
	degradedFor     = 60 * time.Second
)

type Config struct {
	// RPM is the per-client budget per endpoint class when Redis is shared.
	RPM int
	// Burst sizes the local token bucket.
	Burst int
	// Conservative is the per-minute budget used without Redis.
	Conservative   int
	TrustedProxies []string
}

// Limiter throttles requests per client and endpoint class. Redis gives a
// budget shared between instances; without it each instance keeps its own
// token buckets at the conservative rate.
type Limiter struct {
	rdb           *db.Redis
	cfg           Config
	trusted       []*net.IPNet
	local         *expirable.LRU[string, *rate.Limiter]
	monitor       *ErrorMonitor
	degradedUntil atomic.Int64
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(c Config, rdb *db.Redis) (*Limiter, error) {
	trusted, err := parseProxies(c.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if c.RPM <= 0 {
		return nil, errors.New("rate limit RPM must be positive")
	}
	if c.Conservative <= 0 {
		c.Conservative = c.RPM
	}
	if c.Burst <= 0 {
		c.Burst = c.Conservative
	}
	l := &Limiter{
		rdb:     rdb,
		cfg:     c,
		trusted: trusted,
		local:   expirable.NewLRU[string, *rate.Limiter](maxLocalBuckets, nil, bucketTTL),
	}
	l.monitor = NewErrorMonitor(5, l.degrade)
	l.monitor.Start(time.Minute)
	return l, nil
}

func parseProxies(proxies []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(proxies))
	for _, p := range proxies {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP in trusted proxies: %s", p)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			p = fmt.Sprintf("%s/%d", p, bits)
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func (l *Limiter) Stop() {
	l.monitor.Stop()
	l.local.Purge()
}

// degrade halves every budget for a minute.
func (l *Limiter) degrade() {
	l.degradedUntil.Store(time.Now().Add(degradedFor).Unix())
}

func (l *Limiter) degraded() bool {
	return time.Now().Unix() < l.degradedUntil.Load()
}

func (l *Limiter) RecordRequest() { l.monitor.RecordRequest() }
func (l *Limiter) RecordError()   { l.monitor.RecordError() }

// Allow charges one request from client against endpoint.
func (l *Limiter) Allow(ctx context.Context, client, endpoint string) Decision {
	d := l.allow(ctx, client, endpoint)
	if !d.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return d
}

func (l *Limiter) allow(ctx context.Context, client, endpoint string) Decision {
	reset := time.Now().Add(window)
	if l.rdb != nil {
		limit := l.scaled(l.cfg.RPM)
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, "rl:"+endpoint+":"+client, limit, window)
		if err == nil {
			if usage > limit {
				return Decision{Limit: limit, Reset: reset}
			}
			return Decision{Allowed: true, Limit: limit, Remaining: limit - usage, Reset: reset}
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local buckets")
	}
	return l.allowLocal(client, endpoint, reset)
}

func (l *Limiter) allowLocal(client, endpoint string, reset time.Time) Decision {
	limit := l.scaled(l.cfg.Conservative)
	key := endpoint + ":" + client
	b, ok := l.local.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), l.cfg.Burst)
		l.local.Add(key, b)
	}
	if !b.Allow() {
		return Decision{Limit: limit, Reset: reset}
	}
	remaining := int(b.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
}

func (l *Limiter) scaled(limit int) int {
	if !l.degraded() {
		return limit
	}
	if limit /= 2; limit < 1 {
		limit = 1
	}
	return limit
}

// ClientIP returns the address a request came from, walking X-Forwarded-For
// from the right past trusted proxies.
func (l *Limiter) ClientIP(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(l.trusted) == 0 || !l.isTrusted(remote) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	const maxHops = 100
	hops := strings.Split(xff, ",")
	if len(hops) > maxHops {
		util.Warn().Int("hops", len(hops)).Str("remote", util.RedactIP(remote)).Msg("XFF header excessive, truncated parsing")
		hops = hops[len(hops)-maxHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if net.ParseIP(ip) == nil {
			continue
		}
		if !l.isTrusted(ip) {
			return ip
		}
	}
	return remote
}

func (l *Limiter) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
