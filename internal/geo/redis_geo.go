package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis measures on a slightly larger sphere than ours, so the prefilter
// asks for a little more and the exact check trims it back.
const radiusSlack = 1.01

// GeoStore is the subset of redis commands RedisGeo needs.
type GeoStore interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoRadius(ctx context.Context, key string, lng, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error)
	ZRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// DriverLookup resolves the authoritative presence record for a driver.
type DriverLookup interface {
	Get(id string) (models.Participant, error)
}

// RedisGeo keeps driver positions in a Redis GEO set and uses it as a
// radius prefilter. Eligibility and distance are re-checked against the
// presence registry, so results match ScanFinder as long as every
// location update and driver rejoin is published here.
type RedisGeo struct {
	store   GeoStore
	key     string
	drivers DriverLookup
}

func NewRedisGeo(store GeoStore, key string, drivers DriverLookup) *RedisGeo {
	return &RedisGeo{store: store, key: key, drivers: drivers}
}

// PublishLocation mirrors a driver position into the GEO set.
func (r *RedisGeo) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := r.store.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Location.Lng, Latitude: u.Location.Lat, Name: u.DriverID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", u.DriverID, err)
	}
	return r.store.HSet(ctx, MetaKey(u.DriverID), map[string]interface{}{"updated": u.At.UTC().Format(time.RFC3339)})
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	return r.store.ZRem(ctx, r.key, driverID)
}

func (r *RedisGeo) FindCandidates(ctx context.Context, pickup models.Coord, vehicleType string, radiusKm float64) ([]models.CandidateDriver, error) {
	res, err := r.store.GeoRadius(ctx, r.key, pickup.Lng, pickup.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm * radiusSlack,
		Unit:   "km",
		Sort:   "ASC",
	})
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.CandidateDriver, 0, len(res))
	for _, g := range res {
		d, err := r.drivers.Get(g.Name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if c, ok := Qualify(d, pickup, vehicleType, radiusKm); ok {
			out = append(out, c)
		}
	}
	SortCandidates(out)
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// NewRedisStore adapts a go-redis client to GeoStore.
func NewRedisStore(c *redis.Client) GeoStore { return &redisAdapter{c: c} }

type redisAdapter struct{ c *redis.Client }

func (a *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return a.c.GeoAdd(ctx, key, loc).Err()
}

func (a *redisAdapter) GeoRadius(ctx context.Context, key string, lng, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return a.c.GeoRadius(ctx, key, lng, lat, q).Result()
}

func (a *redisAdapter) ZRem(ctx context.Context, key, member string) error {
	return a.c.ZRem(ctx, key, member).Err()
}

func (a *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return a.c.HSet(ctx, key, values).Err()
}
