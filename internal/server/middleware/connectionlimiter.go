package middleware

import (
	"log/slog"
	"net/http"

	"github.com/studysync/studysync/pkg/config"
)

type IPConnectionCounter func(ip string) int
type IPConnectionCycler func(ip string)

// NewConnectionLimiter caps concurrent connections per client IP. There
// is no credential system, so the IP is the only admission key available
// before the websocket upgrade.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter IPConnectionCounter,
	cycler IPConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("connection limiter found no request metadata; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if counter(reqMeta.IP) < cfg.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("per-IP connection limit reached",
				slog.String("ip", reqMeta.IP),
				slog.Int("max", cfg.MaxPerIP),
			)
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.IP)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
