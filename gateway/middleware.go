package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"settlenet/models"
)

type contextKey string

const partyKey contextKey = "party"

// Party returns the authenticated party id for the request, or "" when the
// request was not authenticated.
func Party(ctx context.Context) string {
	party, _ := ctx.Value(partyKey).(string)
	return party
}

// authenticator validates bearer tokens. With no secret configured it trusts
// the X-Party-ID header, which is only acceptable behind a private listener.
type authenticator struct {
	secret []byte
	now    func() time.Time
}

func newAuthenticator(secret []byte, now func() time.Time) *authenticator {
	return &authenticator{secret: secret, now: now}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		party, err := a.party(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), partyKey, party)))
	})
}

func (a *authenticator) party(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		party := strings.TrimSpace(r.Header.Get("X-Party-ID"))
		if party == "" {
			return "", errors.New("missing X-Party-ID header")
		}
		return party, nil
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("missing bearer token")
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token missing subject")
	}
	return claims.Subject, nil
}

// partyLimiter throttles mutating requests per authenticated party.
type partyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHour  int
}

func newPartyLimiter(perHour int) *partyLimiter {
	return &partyLimiter{limiters: make(map[string]*rate.Limiter), perHour: perHour}
}

func (p *partyLimiter) allow(party string) bool {
	p.mu.Lock()
	limiter, ok := p.limiters[party]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(p.perHour)), p.perHour)
		p.limiters[party] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) throttle(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.allow(Party(r.Context())) {
				s.metrics.Throttles.WithLabelValues(route).Inc()
				writeError(w, http.StatusTooManyRequests, "rate-limited", "request rate exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// observe records request counts and latency per logical route.
func (s *Server) observe(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := s.now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			s.metrics.Latency.WithLabelValues(route).Observe(s.now().Sub(started).Seconds())
			s.metrics.Requests.WithLabelValues(route, statusClass(rec.status)).Inc()
		})
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// idempotent replays the stored response for a repeated Idempotency-Key
// instead of re-executing the handler.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		var stored models.IdempotencyKey
		err := s.deps.DB.WithContext(r.Context()).First(&stored, "key = ?", key).Error
		if err == nil {
			if stored.Method != r.Method || stored.Path != r.URL.Path {
				writeError(w, http.StatusConflict, "idempotency-key-reused", "key was used for a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write([]byte(stored.Response))
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusInternalServerError, "internal", "idempotency lookup failed")
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, capture: true}
		next.ServeHTTP(rec, r)

		// 5xx responses are not cached so the caller can retry.
		if rec.status >= http.StatusInternalServerError {
			return
		}
		record := models.IdempotencyKey{
			Key:       key,
			RequestID: r.Header.Get("X-Request-ID"),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    rec.status,
			Response:  rec.body.String(),
			CreatedAt: s.now().UTC(),
		}
		if err := s.deps.DB.WithContext(r.Context()).Create(&record).Error; err != nil {
			s.log.Warn("idempotency record not persisted", "key", key, "error", err)
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	body    bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.capture {
		r.body.Write(p)
	}
	return r.ResponseWriter.Write(p)
}
