package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeGeoStore keeps members in memory and answers radius queries with
// our own haversine, which is close enough for the prefilter.
type fakeGeoStore struct {
	members  map[string]models.Coord
	meta     map[string]map[string]interface{}
	lastQ    *redis.GeoRadiusQuery
	failRead bool
}

func newFakeGeoStore() *fakeGeoStore {
	return &fakeGeoStore{members: map[string]models.Coord{}, meta: map[string]map[string]interface{}{}}
}

func (f *fakeGeoStore) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	f.members[loc.Name] = models.Coord{Lat: loc.Latitude, Lng: loc.Longitude}
	return nil
}

func (f *fakeGeoStore) GeoRadius(_ context.Context, _ string, lng, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	f.lastQ = q
	if f.failRead {
		return nil, errors.New("redis down")
	}
	var out []redis.GeoLocation
	for name, c := range f.members {
		if d := HaversineKm(models.Coord{Lat: lat, Lng: lng}, c); d <= q.Radius {
			out = append(out, redis.GeoLocation{Name: name, Latitude: c.Lat, Longitude: c.Lng, Dist: d})
		}
	}
	return out, nil
}

func (f *fakeGeoStore) ZRem(_ context.Context, _, member string) error {
	delete(f.members, member)
	return nil
}

func (f *fakeGeoStore) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.meta[key] = values
	return nil
}

func TestRedisGeoPublishAndRemove(t *testing.T) {
	store := newFakeGeoStore()
	g := NewRedisGeo(store, "drivers_geo", staticDrivers{})
	ctx := context.Background()

	err := g.PublishLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 1, Lng: 2}, At: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if c, ok := store.members["d1"]; !ok || c.Lat != 1 || c.Lng != 2 {
		t.Fatalf("member not stored: %+v", store.members)
	}
	if _, ok := store.meta[MetaKey("d1")]["updated"]; !ok {
		t.Fatal("meta hash not written")
	}
	if err := g.Remove(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.members["d1"]; ok {
		t.Fatal("member not removed")
	}
}

func TestRedisGeoRechecksPresence(t *testing.T) {
	pickup := models.Coord{Lat: 28.62, Lng: 77.21}
	busy := driverAt("busy", 28.621, 77.21, "car")
	busy.Available = false
	drivers := staticDrivers{
		driverAt("near", 28.621, 77.21, "car"),
		busy,
		driverAt("edge", 28.62, 77.25, "car"),
	}
	store := newFakeGeoStore()
	for _, d := range drivers {
		store.members[d.ID] = *d.Location
	}
	store.members["ghost"] = pickup // in redis, unknown to presence

	g := NewRedisGeo(store, "drivers_geo", drivers)
	radius := HaversineKm(pickup, models.Coord{Lat: 28.62, Lng: 77.25})
	got, err := g.FindCandidates(context.Background(), pickup, "car", radius)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "edge" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if store.lastQ.Unit != "km" || store.lastQ.Radius <= radius {
		t.Fatalf("prefilter should widen the radius, got %+v", store.lastQ)
	}
}

func TestRedisGeoMatchesScanFinder(t *testing.T) {
	pickup := models.Coord{Lat: 28.6200, Lng: 77.2100}
	drivers := staticDrivers{
		driverAt("d1", 28.6139, 77.2090, "car"),
		driverAt("d2", 28.6500, 77.2300, "car"),
		driverAt("d3", 28.7000, 77.2100, "car"),
	}
	store := newFakeGeoStore()
	for _, d := range drivers {
		store.members[d.ID] = *d.Location
	}
	want, _ := NewScanFinder(drivers).FindCandidates(context.Background(), pickup, "car", 5)
	got, _ := NewRedisGeo(store, "k", drivers).FindCandidates(context.Background(), pickup, "car", 5)
	if len(got) != len(want) {
		t.Fatalf("redis=%d scan=%d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: %+v vs %+v", i, got[i], want[i])
		}
	}
}

func TestRedisGeoReadError(t *testing.T) {
	store := newFakeGeoStore()
	store.failRead = true
	if _, err := NewRedisGeo(store, "k", staticDrivers{}).FindCandidates(context.Background(), models.Coord{}, "car", 5); err == nil {
		t.Fatal("expected error when redis fails")
	}
}
