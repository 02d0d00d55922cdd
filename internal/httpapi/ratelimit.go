package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	BranchPerMinute int
	BranchBurst     int
	// IssuePerMinute caps anonymous ticket issuing per branch. Kiosks share
	// one IP behind the branch router, so the IP bucket alone cannot stop a
	// stuck kiosk from draining the counter.
	IssuePerMinute int
	IssueBurst     int
}

// Route families get their own branch buckets so a reservation storm does
// not lock the display out of the queue snapshot.
const (
	scopeIssue       = "issue"
	scopeQueue       = "queue"
	scopeReservation = "reservation"
	scopeReport      = "report"
)

// RateLimiter applies a token bucket per client IP, then one per branch and
// route family.
type RateLimiter struct {
	ipLimiter     *tokenLimiter
	branchLimiter *tokenLimiter
	issueLimiter  *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:     newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		branchLimiter: newTokenLimiter(cfg.BranchPerMinute, cfg.BranchBurst),
		issueLimiter:  newTokenLimiter(cfg.IssuePerMinute, cfg.IssueBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" {
			if ok, wait := l.ipLimiter.allow(ip); !ok {
				rejectLimited(w, r, wait)
				return
			}
		}

		scope, branchID := limitKey(r)
		if branchID != "" {
			limiter := l.branchLimiter
			if scope == scopeIssue {
				limiter = l.issueLimiter
			}
			if ok, wait := limiter.allow(scope + ":" + branchID); !ok {
				rejectLimited(w, r, wait)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func rejectLimited(w http.ResponseWriter, r *http.Request, wait time.Duration) {
	seconds := max(1, int(math.Ceil(wait.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

// allow takes one token for key. When the bucket is empty it reports how
// long until the next token.
func (l *tokenLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true, 0
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	}
	b.tokens -= 1
	return true, 0
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routeOf splits /api/queues/{id}/... and /api/reports/branches/{id}/...
// paths into their route family, branch and remainder.
func routeOf(path string) (scope, branchID, tail string) {
	path = strings.TrimPrefix(path, "/api")
	if rest, ok := strings.CutPrefix(path, "/queues/"); ok {
		branchID, tail, _ = strings.Cut(rest, "/")
		return scopeQueue, branchID, tail
	}
	if rest, ok := strings.CutPrefix(path, "/reports/branches/"); ok {
		branchID, tail, _ = strings.Cut(rest, "/")
		return scopeReport, branchID, tail
	}
	if path == "/reservations" || strings.HasPrefix(path, "/reservations/") {
		return scopeReservation, "", strings.TrimPrefix(path, "/reservations")
	}
	return "", "", ""
}

func branchFromPath(path string) string {
	_, branchID, _ := routeOf(path)
	return branchID
}

// limitKey names the branch bucket a request draws from. Reservation routes
// carry the branch in the query string or the JSON body.
func limitKey(r *http.Request) (string, string) {
	scope, branchID, tail := routeOf(r.URL.Path)
	switch {
	case scope == scopeQueue && tail == "tickets" && r.Method == http.MethodPost:
		return scopeIssue, branchID
	case scope == scopeReservation:
		return scope, reservationBranch(r)
	}
	return scope, branchID
}

func reservationBranch(r *http.Request) string {
	if branchID := strings.TrimSpace(r.URL.Query().Get("branch_id")); branchID != "" {
		return branchID
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return ""
	}

	body, err := readBody(r)
	if err != nil || len(body) == 0 {
		return ""
	}
	var payload struct {
		BranchID string `json:"branch_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.BranchID)
}

// readBody buffers the body so the handler can decode it again.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
