package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is ~28.8 km/h, a typical city average.
const DefaultSpeedMps = 8.0

// Client is a routing backend that can estimate travel time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// gridScale snaps coordinates to 1e-4 degrees (about 11 m) so successive
// GPS fixes of a parked driver share one route entry.
const gridScale = 1e4

// pruneEvery bounds how many inserts may pass between sweeps of expired
// routes.
const pruneEvery = 256

type route struct {
	fromLat, fromLng, toLat, toLng int32
}

func routeOf(from, to models.Coord) route {
	snap := func(v float64) int32 { return int32(math.Round(v * gridScale)) }
	return route{snap(from.Lat), snap(from.Lng), snap(to.Lat), snap(to.Lng)}
}

type cached struct {
	seconds float64
	expires time.Time
}

// Cache remembers routing answers per driver→pickup route until ttl passes.
// Expired routes are dropped on read and swept periodically on write.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	routes  map[route]cached
	inserts int
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, routes: make(map[route]cached)}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := routeOf(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.routes[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.routes, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.routes[routeOf(from, to)] = cached{seconds: seconds, expires: now.Add(c.ttl)}
	c.inserts++
	if c.inserts%pruneEvery == 0 {
		for k, e := range c.routes {
			if !now.Before(e.expires) {
				delete(c.routes, k)
			}
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.HaversineKm(from, to) * 1000 / speedMps
}

// Estimator tries the cache, then the routing client, then the naive
// estimate. Client and Cache are optional.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
