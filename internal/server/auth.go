package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"apbdes/internal/domain"
)

type AuthConfig struct {
	JWTSecret string
	// AllowInsecureIdentity accepts X-Role/X-Village/X-Actor-Id headers
	// without a token. Local development and CLI use only.
	AllowInsecureIdentity bool
	Logger                *log.Logger
}

type identityKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withIdentity(ctx context.Context, ident domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, ident)
}

func identityFromContext(ctx context.Context) (domain.Identity, huma.StatusError) {
	ident, ok := ctx.Value(identityKey{}).(domain.Identity)
	if !ok || ident.Subject == "" {
		return domain.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return ident, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role    string `json:"role,omitempty"`
	Village string `json:"village,omitempty"`
}

func authenticateJWT(token, secret string) (domain.Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if !parsed.Valid {
		return domain.Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Identity{}, errors.New("subject claim required")
	}
	ident, err := identityFor(claims.Subject, claims.Role, claims.Village)
	if err != nil {
		return domain.Identity{}, err
	}
	return ident, nil
}

func identityFor(subject, role, village string) (domain.Identity, error) {
	switch domain.Role(role) {
	case domain.RoleVillageAdmin:
		if village == "" {
			return domain.Identity{}, errors.New("village claim required for village-admin")
		}
	case domain.RoleDistrictAdmin:
		village = ""
	default:
		return domain.Identity{}, errors.New("unknown role")
	}
	return domain.Identity{Subject: subject, Role: domain.Role(role), Village: village}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ident, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), ident)))
				return
			}

			if cfg.AllowInsecureIdentity {
				subject := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
				role := strings.TrimSpace(req.Header.Get("X-Role"))
				village := strings.TrimSpace(req.Header.Get("X-Village"))
				if subject != "" && role != "" {
					ident, err := identityFor(subject, role, village)
					if err != nil {
						respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
						return
					}
					cfg.logger().Printf("WARNING: identity taken from insecure headers (actor=%s role=%s)", subject, role)
					next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), ident)))
					return
				}
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
