package api

import (
	"context"
	"errors"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"oneshot.link/config"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const ownerCtxKey ctxKey = iota

// RequestID attaches a request-scoped child logger carrying the trace ID to
// the context and echoes the ID back to the client.
func RequestID(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(requestIDHeader)
			if traceID == "" || len(traceID) > 64 {
				traceID = uuid.NewString()
			}

			l := log.GetChildLogger()
			l.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("trace_id", traceID)
			})

			w.Header().Set(requestIDHeader, traceID)
			next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
		})
	}
}

// Logger logs one line per request. Paths are logged by route pattern so
// secret identifiers never reach the logs.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.FromRequest(r).Info().
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Int("status", ww.Status()).
			Int("size", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Send()
	})
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed["*"] || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter caps requests per client IP within the limiter's window.
type RateLimiter struct {
	limiter ratelimit.Limiter
	limit   int
	window  time.Duration
}

func NewRateLimiter(limiter ratelimit.Limiter, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limiter: limiter, limit: limit, window: window}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := ratelimit.Allow(r.Context(), rl.limiter, clientIP(r), rl.limit)
		if err != nil {
			// an unavailable limiter does not take the API down with it
			logger.FromRequest(r).Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSONOnly rejects request bodies that are not JSON.
func JSONOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 && r.Method != http.MethodGet {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

var (
	ErrInvalidAuthorizationHeader = errors.New("invalid authorization header")
	ErrTokenSubjectMissing        = errors.New("token has no subject")
)

// Owner identifies the caller from an HS256 bearer token and stores its
// subject as the owner ID. Requests without a token pass through
// anonymously; requests with a bad token are rejected.
func Owner(cfg config.AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.TokenIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.TokenIssuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(cfg.TokenSignKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || len(key) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			log := logger.FromRequest(r)
			subject, err := parseSubject(parser, key, header)
			if err != nil {
				log.Err(err).Msg("rejected bearer token")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ownerCtxKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseSubject(parser *jwt.Parser, key []byte, header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrInvalidAuthorizationHeader
	}

	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrTokenSubjectMissing
	}
	return claims.Subject, nil
}

// OwnerFromContext returns the authenticated owner ID, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerCtxKey).(string)
	return owner
}

// clientIP expects middleware.RealIP to have run.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func routePattern(r *http.Request) string {
	if pattern := chiRoutePattern(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}
