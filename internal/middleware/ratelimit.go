package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client, keyed by remote IP. Each client
// owns a token bucket refilling at requestsPerMin per minute.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*visitor
	requestsPerMin int
	now            func() time.Time

	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMin requests per
// minute per client, with bursts up to the same amount.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*visitor),
		requestsPerMin: max(requestsPerMin, 1),
		now:            time.Now,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
		done:           make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Middleware rejects requests over the limit with 429. Retry-After holds
// the whole seconds until the client's next token.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := rl.take(clientIP(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes a token from the bucket of client.
func (rl *RateLimiter) Allow(client string) bool {
	_, ok := rl.take(client)
	return ok
}

// take reserves a token for client. When none is available the
// reservation is returned and the wait until the next token is reported.
func (rl *RateLimiter) take(client string) (time.Duration, bool) {
	rl.mu.Lock()
	now := rl.now()
	v, ok := rl.clients[client]
	if !ok {
		every := time.Minute / time.Duration(rl.requestsPerMin)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), rl.requestsPerMin)}
		rl.clients[client] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := rl.now()
			for client, v := range rl.clients {
				if now.Sub(v.lastSeen) > 10*time.Minute {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
