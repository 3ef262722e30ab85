// Package auth extracts the verified identity supplied by the upstream
// auth provider from the bearer token. The core never issues tokens; it
// only reads the subject, role claims and email the provider put there.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wb-go/wbf/ginext"

	"memberevents/internal/dto"
)

const (
	ctxUserUUID = "auth_user_uuid"
	ctxRoles    = "auth_roles"
	ctxEmail    = "auth_email"
)

// Middleware validates the bearer token and stores the caller's identity
// on the request context.
func Middleware(secret string) func(*ginext.Context) {
	return func(c *ginext.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			dto.UnauthorizedError(c, "Missing or malformed Authorization header")
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			dto.UnauthorizedError(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			dto.UnauthorizedError(c, "Invalid token claims")
			c.Abort()
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			dto.UnauthorizedError(c, "Token has no subject")
			c.Abort()
			return
		}

		var roles []string
		if raw, ok := claims["roles"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		}
		email, _ := claims["email"].(string)

		c.Set(ctxUserUUID, sub)
		c.Set(ctxRoles, roles)
		c.Set(ctxEmail, email)
		c.Next()
	}
}

// RequireRole gates a route on the caller holding the given role claim.
func RequireRole(role string) func(*ginext.Context) {
	return func(c *ginext.Context) {
		for _, r := range Roles(c) {
			if r == role {
				c.Next()
				return
			}
		}
		dto.UnauthorizedError(c, "Insufficient privileges")
		c.Abort()
	}
}

func UserUUID(c *ginext.Context) string {
	if v, ok := c.Get(ctxUserUUID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func Roles(c *ginext.Context) []string {
	if v, ok := c.Get(ctxRoles); ok {
		if roles, ok := v.([]string); ok {
			return roles
		}
	}
	return nil
}

func Email(c *ginext.Context) string {
	if v, ok := c.Get(ctxEmail); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
