package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"ultrasonic-sim/internal/telemetry"
)

const keyPrefix = "ratelimit:client:"

// Middleware spends one token per request, keyed by client address. Every
// response carries the bucket state; an empty bucket answers 429 with
// Retry-After. When Redis is unreachable requests are let through.
func Middleware(b *TokenBucket, log logrus.FieldLogger) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	limit := strconv.Itoa(b.Capacity())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			d, err := b.Take(r.Context(), keyPrefix+client)
			if err != nil {
				log.WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				log.WithFields(logrus.Fields{"client": client, "retry_after": d.RetryAfter}).Debug("rate limited")
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status":  "error",
					"message": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retrySeconds rounds up so a client that waits exactly this long finds a token.
func retrySeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
