package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

var (
	from = models.Coord{Lat: 28.6139, Lng: 77.2090}
	to   = models.Coord{Lat: 28.6200, Lng: 77.2100}
)

func TestEstimateSecondsNaive(t *testing.T) {
	got := EstimateSeconds(from, to, 10)
	if math.Abs(got-68.5) > 0.5 {
		t.Fatalf("expected ≈68.5s, got %f", got)
	}
	if EstimateSeconds(from, to, 0) <= got {
		t.Fatal("zero speed should fall back to the slower default")
	}
}

func TestEstimatorUsesCache(t *testing.T) {
	c := &countingClient{v: 120}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	ctx := context.Background()

	if v := e.Seconds(ctx, from, to); v != 120 {
		t.Fatalf("expected client value, got %f", v)
	}
	if v := e.Seconds(ctx, from, to); v != 120 {
		t.Fatalf("expected cached value, got %f", v)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &countingClient{err: errors.New("no route")}, SpeedMps: 10}
	if v := e.Seconds(context.Background(), from, to); math.Abs(v-EstimateSeconds(from, to, 10)) > 1e-9 {
		t.Fatalf("expected naive fallback, got %f", v)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.Set(from, to, 1)
	if _, ok := c.Get(from, to); !ok {
		t.Fatal("fresh entry missing")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(from, to); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry not dropped on read")
	}
}

func TestCacheSnapsNearbyFixes(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set(from, to, 90)
	jitter := models.Coord{Lat: from.Lat + 0.00002, Lng: from.Lng - 0.00002}
	if v, ok := c.Get(jitter, to); !ok || v != 90 {
		t.Fatalf("jittered fix missed the route: %v %v", v, ok)
	}
	if _, ok := c.Get(models.Coord{Lat: from.Lat + 0.001, Lng: from.Lng}, to); ok {
		t.Fatal("a fix ~100 m away must not share the route")
	}
}

func TestCacheSweepsExpiredRoutes(t *testing.T) {
	c := NewCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	for i := 0; i < pruneEvery-1; i++ {
		c.Set(models.Coord{Lat: float64(i) / 100}, to, 1)
	}
	now = now.Add(2 * time.Second)
	c.Set(from, to, 2)
	if c.Len() != 1 {
		t.Fatalf("expected only the fresh route after the sweep, got %d", c.Len())
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.209000,28.613900;77.210000,28.620000") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":93.4}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), from, to)
	if err != nil {
		t.Fatalf("osrm: %v", err)
	}
	if got != 93.4 {
		t.Fatalf("expected 93.4, got %f", got)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), from, to); err == nil {
		t.Fatal("expected error")
	}
}
