package context

import (
	"context"
	"slices"
)

// OperatorContext identifies the authenticated caller of the ops API.
type OperatorContext struct {
	Subject string
	Roles   []string
}

type operatorContextKey struct{}

// WithOperator adds OperatorContext to context.
func WithOperator(ctx context.Context, op *OperatorContext) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// GetOperator returns OperatorContext from context.
func GetOperator(ctx context.Context) *OperatorContext {
	if v, ok := ctx.Value(operatorContextKey{}).(*OperatorContext); ok {
		return v
	}
	return nil
}

// GetSubject returns the operator subject or "system" for background work.
func GetSubject(ctx context.Context) string {
	if op := GetOperator(ctx); op != nil && op.Subject != "" {
		return op.Subject
	}
	return "system"
}

// HasRole checks if the operator has a specific role.
func HasRole(ctx context.Context, role string) bool {
	op := GetOperator(ctx)
	if op == nil {
		return false
	}
	return slices.Contains(op.Roles, role)
}
