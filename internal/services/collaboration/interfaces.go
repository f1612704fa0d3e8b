package collaboration

import "context"

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

The registry is the CONSUMER of durable storage, so the storage interface
lives here. The registry only cares about the four operations it calls;
repository.UpdateLogImpl satisfies this in production and tests substitute
an in-memory fake.
*/

// UpdateLog is the durable append-only store of update fragments consumed by
// the room registry.
type UpdateLog interface {
	Append(ctx context.Context, documentID string, update []byte) error
	LoadAll(ctx context.Context, documentID string) ([][]byte, error)
	Count(ctx context.Context, documentID string) (int64, error)
	Compact(ctx context.Context, documentID string, merged []byte) error
}
