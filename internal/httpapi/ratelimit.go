package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"consultease/sync-service/internal/models"
)

type RateLimitConfig struct {
	IPPerMinute      int
	IPBurst          int
	StudentPerMinute int
	StudentBurst     int
}

// RateLimiter keeps one token bucket per client IP and one per student id.
type RateLimiter struct {
	ipLimiter      *tokenLimiter
	studentLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:      newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		studentLimiter: newTokenLimiter(cfg.StudentPerMinute, cfg.StudentBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		if studentID := extractStudentID(r); studentID != "" && !l.studentLimiter.allow(studentID) {
			writeError(w, requestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
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

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
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

// extractStudentID peeks at a JSON body for student_id and restores the body
// for the next handler.
func extractStudentID(r *http.Request) string {
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload struct {
		StudentID models.FlexibleID `json:"student_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.StudentID <= 0 {
		return ""
	}
	return strconv.FormatInt(payload.StudentID.Int64(), 10)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
