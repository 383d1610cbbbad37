package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
)

type contextKey string

const CallerContextKey contextKey = "caller"

type Middleware struct {
	jwtSecret string
	log       *logger.Logger
}

func NewMiddleware(jwtSecret string, log *logger.Logger) *Middleware {
	if log == nil {
		log = logger.Named("auth")
	}
	return &Middleware{jwtSecret: jwtSecret, log: log}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			m.log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), CallerContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetCallerFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(CallerContextKey).(*Claims)
	return claims, ok
}

// CallerID returns the authenticated caller of ctx, or "" when there is none.
func CallerID(ctx context.Context) string {
	if claims, ok := GetCallerFromContext(ctx); ok {
		return claims.Caller()
	}
	return ""
}
