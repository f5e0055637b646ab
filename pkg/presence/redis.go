package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in a Redis geo set (GEOADD / GEOSEARCH).
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects to url and verifies the connection with a bounded PING.
func DialRedis(ctx context.Context, url string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Upsert(ctx context.Context, key, member string, lat, lng float64) error {
	err := s.client.GeoAdd(ctx, key, &redis.GeoLocation{
		Name:      member,
		Longitude: lng,
		Latitude:  lat,
	}).Err()
	if err != nil {
		if isInvalidPair(err) {
			return fmt.Errorf("geoadd %s: %w: %w", key, ErrInvalidCoordinates, err)
		}
		return fmt.Errorf("geoadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SearchRadius(ctx context.Context, key string, lat, lng, radiusMeters float64) ([]string, error) {
	members, err := s.client.GeoSearch(ctx, key, &redis.GeoSearchQuery{
		Longitude:  lng,
		Latitude:   lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		if isInvalidPair(err) {
			return nil, fmt.Errorf("geosearch %s: %w: %w", key, ErrInvalidCoordinates, err)
		}
		return nil, fmt.Errorf("geosearch %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// isInvalidPair matches the error reply Redis sends for a point outside the
// GEO range, e.g. "ERR invalid longitude,latitude pair 0.000000,89.000000".
func isInvalidPair(err error) bool {
	return strings.Contains(err.Error(), "invalid longitude,latitude pair")
}
