package middleware

import (
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"contactsync/internal/core/apperror"
	appctx "contactsync/internal/core/context"
)

// JWTValidator interface for token validation.
type JWTValidator interface {
	ValidateToken(tokenString string) (*appctx.OperatorContext, error)
}

// Auth middleware validates JWT tokens and populates operator context.
func Auth(validator JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		op, err := validator.ValidateToken(parts[1])
		if err != nil {
			_ = c.Error(apperror.NewUnauthorized("invalid token"))
			c.Abort()
			return
		}

		ctx := appctx.WithOperator(c.Request.Context(), op)
		c.Request = c.Request.WithContext(ctx)
		c.Set("operator", op.Subject)

		c.Next()
	}
}

// StaticOperator attaches a fixed operator to every request. It replaces
// Auth when authentication is disabled in development.
func StaticOperator(subject string, roles ...string) gin.HandlerFunc {
	op := &appctx.OperatorContext{Subject: subject, Roles: roles}
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(appctx.WithOperator(c.Request.Context(), op))
		c.Set("operator", op.Subject)
		c.Next()
	}
}

// RequireRole middleware checks if the operator has any of the roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := appctx.GetOperator(c.Request.Context())
		if op == nil {
			_ = c.Error(apperror.NewUnauthorized("authentication required"))
			c.Abort()
			return
		}

		for _, required := range roles {
			if slices.Contains(op.Roles, required) {
				c.Next()
				return
			}
		}
		_ = c.Error(
			apperror.NewForbidden("insufficient permissions").
				WithDetail("required_roles", roles),
		)
		c.Abort()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
