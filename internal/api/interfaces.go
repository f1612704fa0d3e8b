package api

import "context"

// UpdateStats is what handlers need from the update log.
type UpdateStats interface {
	Count(ctx context.Context, documentID string) (int64, error)
}

// RoomInfo is what handlers need from the room registry.
type RoomInfo interface {
	ConnectionCount(documentID string) int
	RoomCount() int
}
