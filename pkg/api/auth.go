package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls bearer-token authentication.
type AuthConfig struct {
	Enabled bool
	// Secret is the HS256 signing key.
	Secret string
}

// Identity is the caller decoded from the bearer token.
type Identity struct {
	UserID    string
	Role      string
	Namespace string
}

const identityKey = "ghostflow.identity"

// authMiddleware decodes the Authorization bearer token into an Identity
// and stores it on the request context. With auth disabled every request
// runs as the anonymous api-client identity.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Auth.Enabled {
			c.Set(identityKey, Identity{UserID: "api-client", Namespace: "default"})
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorResponse{ErrorCode: "UNAUTHORIZED", Message: "missing bearer token"})
			return
		}

		id, err := s.decodeToken(token)
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorResponse{ErrorCode: "UNAUTHORIZED", Message: "invalid bearer token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// decodeToken validates an HS256 token and extracts the identity claims.
func (s *Server) decodeToken(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	id := Identity{
		UserID:    stringClaim(claims, "user_id"),
		Role:      stringClaim(claims, "role"),
		Namespace: stringClaim(claims, "namespace"),
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("token has no user_id claim")
	}
	if id.Namespace == "" {
		id.Namespace = "default"
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// identityFrom returns the caller identity set by the auth middleware.
func identityFrom(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{UserID: "api-client", Namespace: "default"}
}
