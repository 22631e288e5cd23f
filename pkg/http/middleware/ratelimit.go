package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter hands out one token bucket per client key.
type keyedLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	clients map[string]*clientLimiter
	swept   time.Time
}

func (k *keyedLimiter) allow(key string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if now.Sub(k.swept) > limiterIdleTTL {
		for id, cl := range k.clients {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(k.clients, id)
			}
		}
		k.swept = now
	}

	cl, ok := k.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(k.perSec, k.burst)}
		k.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// RateLimit throttles each client IP to perSecond requests with the given burst.
// Excess requests get 429.
func RateLimit(perSecond float64, burst int) echo.MiddlewareFunc {
	if burst < 1 {
		burst = 1
	}
	k := &keyedLimiter{perSec: rate.Limit(perSecond), burst: burst, clients: make(map[string]*clientLimiter), swept: time.Now()}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !k.allow(c.RealIP(), time.Now()) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":  http.StatusTooManyRequests,
					"message": http.StatusText(http.StatusTooManyRequests),
				})
			}
			return next(c)
		}
	}
}
