package limits

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiter rate-limits upgrade attempts before the WebSocket handshake.
//
// Two levels:
//   - Per-IP token bucket, so one client cannot flood the endpoint.
//   - Global token bucket, so a distributed flood cannot either.
//
// Per-IP buckets live in a TTL cache; idle IPs expire instead of leaking.
type ConnLimiter struct {
	perIP   *cache.Cache
	ipRate  float64
	ipBurst int
	global  *rate.Limiter
	logger  zerolog.Logger
}

// ConnLimiterConfig holds connection limiter settings. Zero values pick
// the defaults noted per field.
type ConnLimiterConfig struct {
	IPRate      float64       // sustained attempts/sec per IP (default 5)
	IPBurst     int           // burst allowance per IP (default 10)
	IPTTL       time.Duration // idle eviction for per-IP state (default 5m)
	GlobalRate  float64       // sustained attempts/sec total (default 50)
	GlobalBurst int           // burst allowance total (default 300)
}

func NewConnLimiter(conf ConnLimiterConfig, logger zerolog.Logger) *ConnLimiter {
	if conf.IPRate == 0 {
		conf.IPRate = 5
	}
	if conf.IPBurst == 0 {
		conf.IPBurst = 10
	}
	if conf.IPTTL == 0 {
		conf.IPTTL = 5 * time.Minute
	}
	if conf.GlobalRate == 0 {
		conf.GlobalRate = 50
	}
	if conf.GlobalBurst == 0 {
		conf.GlobalBurst = 300
	}

	l := &ConnLimiter{
		perIP:   cache.New(conf.IPTTL, conf.IPTTL),
		ipRate:  conf.IPRate,
		ipBurst: conf.IPBurst,
		global:  rate.NewLimiter(rate.Limit(conf.GlobalRate), conf.GlobalBurst),
		logger:  logger.With().Str("component", "conn_limiter").Logger(),
	}

	l.logger.Info().
		Float64("ip_rate", conf.IPRate).
		Int("ip_burst", conf.IPBurst).
		Dur("ip_ttl", conf.IPTTL).
		Float64("global_rate", conf.GlobalRate).
		Int("global_burst", conf.GlobalBurst).
		Msg("Connection limiter initialized")

	return l
}

// Allow reports whether an upgrade attempt from ip may proceed.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: global rate limit")
		return false
	}
	if !l.limiterFor(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Upgrade rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnLimiter) limiterFor(ip string) *rate.Limiter {
	if v, ok := l.perIP.Get(ip); ok {
		l.perIP.SetDefault(ip, v) // refresh TTL
		return v.(*rate.Limiter)
	}

	lim := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	if err := l.perIP.Add(ip, lim, cache.DefaultExpiration); err != nil {
		// Lost a create race; use the winner's bucket.
		if v, ok := l.perIP.Get(ip); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// TrackedIPs reports how many per-IP buckets are alive. For health output.
func (l *ConnLimiter) TrackedIPs() int {
	return l.perIP.ItemCount()
}
