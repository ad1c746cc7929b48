package authapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ipThrottle is an in-process sliding-window limiter keyed by client IP.
// Limits are per instance; they blunt abuse and are not a quota.
type ipThrottle struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newIPThrottle(max int, window time.Duration) *ipThrottle {
	return &ipThrottle{max: max, window: window, hits: make(map[string][]time.Time)}
}

// allow records a hit for ip at now unless the window is full, in which case
// it returns false and how long until the oldest hit leaves the window.
func (t *ipThrottle) allow(ip net.IP, now time.Time) (bool, time.Duration) {
	if t == nil || t.max <= 0 || ip == nil {
		return true, 0
	}
	key := ip.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	hits := pruneBefore(t.hits[key], now.Add(-t.window))
	if blocked, retry := evaluateWindowThrottle(now, hits, t.max, t.window); blocked {
		t.hits[key] = hits
		return false, retry
	}
	t.hits[key] = append(hits, now)

	// Keep the map bounded by dropping idle keys opportunistically.
	if len(t.hits) > 4096 {
		cut := now.Add(-t.window)
		for k, v := range t.hits {
			if len(v) == 0 || v[len(v)-1].Before(cut) {
				delete(t.hits, k)
			}
		}
	}
	return true, 0
}

// evaluateWindowThrottle reports whether max or more hits fall inside the
// window ending at now, and if so when the oldest in-window hit expires.
func evaluateWindowThrottle(now time.Time, hits []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	var (
		n      int
		oldest time.Time
	)
	for _, h := range hits {
		if h.Before(cut) {
			continue
		}
		n++
		if oldest.IsZero() || h.Before(oldest) {
			oldest = h
		}
	}
	if n < max {
		return false, 0
	}
	retry := oldest.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return true, retry
}

func pruneBefore(hits []time.Time, cut time.Time) []time.Time {
	out := hits[:0]
	for _, h := range hits {
		if !h.Before(cut) {
			out = append(out, h)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
