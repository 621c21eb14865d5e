package middleware

import (
	"log/slog"
	"net/http"

	"github.com/voxwire/voxwire/pkg/config"
)

type IPConnectionCounter func(ip string) int

// NewConnectionLimiter caps the number of live connections per remote IP.
// Per-user limiting needs no middleware: the gateway always supersedes a
// user's previous connection, so a user can never hold more than one.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter IPConnectionCounter,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 || cfg.Mode == "off" {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.IP)
			if count < cfg.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("IP connection limit reached",
				slog.String("ip", reqMeta.IP),
				slog.Int("count", count),
			)
			http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
		})
	}
}
