// Package presence holds the geo index of active users: an upsert of a
// member's coordinate and a radius search around a point.
package presence

import (
	"context"
	"errors"
)

// DefaultKey is the single shared index all active users are written to.
const DefaultKey = "active_vibers"

// DefaultRadiusMeters is the search radius used for nearby updates.
const DefaultRadiusMeters = 1000.0

// MaxLatitude is the largest |lat| a geo index accepts (Web Mercator bound).
const MaxLatitude = 85.05112878

var (
	ErrClosed = errors.New("presence store is closed")
	// ErrInvalidCoordinates reports a point the index refuses to store. It is
	// a problem with the request, not with the store.
	ErrInvalidCoordinates = errors.New("lat must be between -85.05112878 and 85.05112878 to share a location")
)

// Store is the geo-presence collaborator. A SearchRadius issued after an
// Upsert of the same point must include that member.
type Store interface {
	Upsert(ctx context.Context, key, member string, lat, lng float64) error
	SearchRadius(ctx context.Context, key string, lat, lng, radiusMeters float64) ([]string, error)
}
