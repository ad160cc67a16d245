package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type contextKey string

const distributorIDKey contextKey = "distributorID"

// ContextWithDistributorID returns a new context that carries the authenticated distributor scope.
func ContextWithDistributorID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, distributorIDKey, id)
}

// DistributorIDFromContext retrieves the authenticated distributor scope from the context, if any.
func DistributorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	value := ctx.Value(distributorIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, false
	}
	if id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// EnforceDistributorScope ensures the provided distributor matches the authenticated scope when present.
func EnforceDistributorScope(ctx context.Context, distributorID uuid.UUID) error {
	if distributorID == uuid.Nil {
		return fmt.Errorf("distributorId is required")
	}
	scopedID, ok := DistributorIDFromContext(ctx)
	if !ok {
		return nil
	}
	if scopedID != distributorID {
		return fmt.Errorf("distributorId %s does not match authenticated scope", distributorID)
	}
	return nil
}
