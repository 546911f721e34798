package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jorgeraad/leafai/internal/domain"
)

// HeaderUserID is honoured only in development mode.
const HeaderUserID = "X-User-ID"

// Middleware authenticates every request it wraps and rejects anonymous
// callers with 401.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := resolve(cfg, c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			}
			req := c.Request()
			c.SetRequest(req.WithContext(WithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

func resolve(cfg Config, r *http.Request) (*domain.Principal, error) {
	if cfg.Enabled() {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return nil, domain.ErrUnauthenticated
		}
		return ParseToken(cfg.JWTSecret, token)
	}
	if cfg.DevHeader {
		if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
			return &domain.Principal{UserID: id}, nil
		}
	}
	return nil, domain.ErrUnauthenticated
}
