package port

import "context"

type IdempotencyStore interface {
	// SetIdempotency claims a key, returns false if it is already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency releases a key so the request may be retried
	ClearIdempotency(ctx context.Context, key string) error
}
