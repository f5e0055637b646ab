package presence

import (
	"context"
	"math"
	"sort"
	"sync"
)

const earthRadiusMeters = 6372797.560856 // same constant Redis uses for GEO commands

type point struct {
	lat, lng float64
}

// MemoryStore is an in-process Store. Searches scan the whole key, which is
// fine for development and tests but not for large populations.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]map[string]point
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]map[string]point)}
}

func (s *MemoryStore) Upsert(ctx context.Context, key, member string, lat, lng float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if math.Abs(lat) > MaxLatitude || math.Abs(lng) > 180 {
		return ErrInvalidCoordinates
	}
	members, ok := s.keys[key]
	if !ok {
		members = make(map[string]point)
		s.keys[key] = members
	}
	members[member] = point{lat: lat, lng: lng}
	return nil
}

// SearchRadius returns members within radiusMeters, nearest first.
func (s *MemoryStore) SearchRadius(ctx context.Context, key string, lat, lng, radiusMeters float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	type hit struct {
		member string
		dist   float64
	}
	hits := make([]hit, 0)
	for member, p := range s.keys[key] {
		if d := Distance(lat, lng, p.lat, p.lng); d <= radiusMeters {
			hits = append(hits, hit{member: member, dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].member < hits[j].member
		}
		return hits[i].dist < hits[j].dist
	})

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Distance is the great-circle distance in meters between two points.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
