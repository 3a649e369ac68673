package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	subjectKey     = "subject"
	roleKey        = "role"
)

// Service authenticates API requests. A disabled service lets every request
// through with all permissions.
type Service struct {
	jwt     *JWTHandler
	enabled bool
}

func NewService(jwt *JWTHandler, enabled bool) *Service {
	return &Service{jwt: jwt, enabled: enabled}
}

func (s *Service) Enabled() bool { return s.enabled }

// Middleware validates bearer tokens and stores the caller's permissions.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Set(permissionsKey, AllPermissions)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			// Browsers cannot set headers on websocket upgrades.
			if q := c.Query("token"); q != "" {
				authHeader = "Bearer " + q
			}
		}
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, types.CodeUnauthorized, "missing authorization header", nil)
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, types.CodeUnauthorized, "invalid authorization header format", nil)
			return
		}

		claims, err := s.jwt.ValidateAccessToken(parts[1])
		if err != nil {
			abort(c, http.StatusUnauthorized, types.CodeUnauthorized, "invalid or expired token", nil)
			return
		}
		permissions, err := Role(claims.Role).Permissions()
		if err != nil {
			abort(c, http.StatusForbidden, types.CodeForbidden, err.Error(), nil)
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range GetPermissions(c) {
			if p == required {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, types.CodeForbidden, "insufficient permissions", gin.H{"required": string(required)})
	}
}

// GetPermissions extracts permissions set by the middleware.
func GetPermissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}

func abort(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(code, message, details))
}

// Authenticate validates a raw token and returns the caller's permissions.
// With authentication disabled every token, including none, is accepted.
func (s *Service) Authenticate(token string) ([]Permission, error) {
	if !s.enabled {
		return AllPermissions, nil
	}
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return Role(claims.Role).Permissions()
}
