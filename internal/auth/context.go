package auth

import (
	"context"

	"github.com/midnight-protocol/admin/internal/models"
)

type ctxKey string

const operatorKey ctxKey = "operator"

func WithOperator(ctx context.Context, op *models.Operator) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// OperatorFromContext returns the authenticated operator, or nil.
func OperatorFromContext(ctx context.Context) *models.Operator {
	op, _ := ctx.Value(operatorKey).(*models.Operator)
	return op
}
