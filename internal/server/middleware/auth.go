package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxwire/voxwire/pkg/config"
)

type CapabilityCompiler func(names []string) (config.Capability, error)

// AppClaims defines our custom JWT claims structure. The subject is the
// stable user identifier; caps carries capability names granted to the user.
type AppClaims struct {
	Capabilities []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware verifies the bearer credential presented at connection
// time. The token is read from the session-token cookie or, failing that,
// the Authorization header. An invalid or expired token refuses the
// connection with 401; the client must re-authenticate.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string, compiler CapabilityCompiler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := tokenFromRequest(r)
			if tokenString == "" {
				logger.Warn("Connection attempt without credential", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			// Parse and validate the JWT token with HMAC signing
			token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*AppClaims)
			if !ok {
				logger.Error("Failed to parse custom JWT claims", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				logger.Warn("Valid token missing 'sub' claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			caps, err := compiler(claims.Capabilities)
			if err != nil {
				logger.Error("Token contains unregistered capabilities",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			reqMeta.UserID = claims.Subject
			reqMeta.Capabilities = caps
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie("session-token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
