// Package vibelog is the append-only log of vibe tags.
package vibelog

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("vibe log is closed")

// Event is one vibe tag at a point. Events are never updated or deleted.
type Event struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	VibeType  string    `json:"vibeType"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store interface {
	Append(ctx context.Context, ev Event) error
}
