package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type KeyFunc func(r *http.Request) string

// PolicyFunc escolhe a política (janela/orçamento/custo) de cada request.
type PolicyFunc func(r *http.Request) domain.Policy

type Options struct {
	Service application.Service
	Stats   domain.StatsStore
	Log     logrus.FieldLogger

	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool

	// Policy é a política fixa usada quando PolicyFn é nil.
	Policy   domain.Policy
	PolicyFn PolicyFunc

	RejectStatus int
	// FailOpen deixa passar requests quando o storage falha; senão responde 503.
	FailOpen            bool
	AddRateLimitHeaders bool
	// ErrorLogInterval limita o log de falhas de storage (padrão 10s).
	ErrorLogInterval time.Duration
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// StaticPolicy devolve sempre p, completando nome e custo padrão.
func StaticPolicy(p domain.Policy) PolicyFunc {
	p = withPolicyDefaults(p)
	return func(*http.Request) domain.Policy { return p }
}

func withPolicyDefaults(p domain.Policy) domain.Policy {
	if p.Name == "" {
		p.Name = "default"
	}
	if p.Cost == 0 {
		p.Cost = 1
	}
	return p
}

// storageKey separa o orçamento de cada política para o mesmo cliente.
// Chave de cliente que não cabe na coluna vira o sha256 dela.
func storageKey(policy, client string) domain.Key {
	k := policy + ":" + client
	if len(k) > domain.MaxKeyLength {
		sum := sha256.Sum256([]byte(client))
		k = policy + ":sha256:" + hex.EncodeToString(sum[:])
	}
	return domain.Key(k)
}

type rejectBody struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.PolicyFn == nil {
		opts.PolicyFn = StaticPolicy(opts.Policy)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.ErrorLogInterval == 0 {
		opts.ErrorLogInterval = 10 * time.Second
	}
	log := opts.Log.WithField("component", "ratelimit.middleware")
	storageLog := &rate.Sometimes{First: 1, Interval: opts.ErrorLogInterval}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := opts.KeyFn(r)
			policy := withPolicyDefaults(opts.PolicyFn(r))
			key := storageKey(policy.Name, client)

			dec, err := opts.Service.Consume(r.Context(), key, policy.Cost, policy.Window, policy.MaxPoints)

			ev := domain.StatsEvent{
				Key:       key,
				Policy:    policy.Name,
				Allowed:   dec.Allowed,
				Remaining: dec.Remaining,
				Method:    r.Method,
				Path:      r.URL.Path,
				At:        time.Now(),
			}

			switch {
			case errors.Is(err, domain.ErrInvalidArgument):
				log.WithError(err).WithField("policy", policy.Name).Error("invalid rate limit policy")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return

			case err != nil:
				storageLog.Do(func() {
					log.WithError(err).WithFields(logrus.Fields{
						"policy":    policy.Name,
						"fail_open": opts.FailOpen,
					}).Warn("rate limit storage unavailable")
				})
				ev.StorageFailed = true
				ev.Allowed = opts.FailOpen
				record(r, opts.Stats, ev)
				if !opts.FailOpen {
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			record(r, opts.Stats, ev)

			if !dec.Allowed {
				writeRejection(w, opts.RejectStatus, dec)
				return
			}

			if opts.AddRateLimitHeaders {
				h := w.Header()
				h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
				h.Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
				if dec.ResetAt > 0 {
					h.Set("X-RateLimit-Reset", formatInt64(ceilDiv(dec.ResetAt, 1000)))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func record(r *http.Request, stats domain.StatsStore, ev domain.StatsEvent) {
	if stats == nil {
		return
	}
	// best-effort: estatística nunca derruba request.
	_ = stats.Record(r.Context(), ev)
}

func writeRejection(w http.ResponseWriter, status int, dec domain.Decision) {
	ms := dec.RetryAfter.Milliseconds()
	h := w.Header()
	h.Set("Retry-After", formatInt64(ceilDiv(ms, 1000)))
	h.Set("X-RateLimit-Retry-After-Ms", formatInt64(ms))
	h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejectBody{Error: "rate limit exceeded", RetryAfterMs: ms})
}
