package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"schoolcheckin/internal/config"

	"golang.org/x/time/rate"
)

const clientKeyUnknown = "unknown"

var (
	errMissingKey   = errors.New("missing api key")
	errInvalidKey   = errors.New("invalid api key")
	errRateLimited  = errors.New("rate limit exceeded")
	defaultAPIBurst = 5
)

// Auth checks API keys and applies a rate limiter per client.
type Auth struct {
	cfg      config.APIConfig
	header   string
	keys     []config.APIClientKey
	limiters sync.Map // client key -> *rate.Limiter
}

func NewAuth(cfg config.APIConfig) *Auth {
	header := strings.TrimSpace(cfg.Auth.HeaderAPIKey)
	if header == "" {
		header = "X-API-Key"
	}
	return &Auth{cfg: cfg, header: header, keys: cfg.Auth.APIKeys}
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := a.clientKey(r)
		if a.cfg.Auth.Enabled {
			name, err := a.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			client = name
		}

		if a.cfg.RateLimit.RPS > 0 && !a.limiter(client).Allow() {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) authenticate(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(a.header))
	if key == "" {
		return "", errMissingKey
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			if k.Name != "" {
				return k.Name, nil
			}
			return key, nil
		}
	}
	return "", errInvalidKey
}

func (a *Auth) clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (a *Auth) limiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = defaultAPIBurst
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
