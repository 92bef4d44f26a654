package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeStore implements geo.GeoStore for tests
type fakeStore struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	members  map[string]*redis.GeoLocation
}

func (f *fakeStore) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	if f.members == nil {
		f.members = map[string]*redis.GeoLocation{}
	}
	f.members[loc.Name] = loc
	return nil
}

func (f *fakeStore) HSet(context.Context, string, map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeStore) GeoRadius(context.Context, string, float64, float64, *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return nil, nil
}

func (f *fakeStore) ZRem(context.Context, string, string) error { return nil }

func update() models.LocationUpdate {
	return models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 1, Lng: 2}, At: time.Unix(0, 0)}
}

func TestPublishWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeStore{failGeo: 1, failH: 1}
	pub := geo.NewRedisGeo(f, "drivers_geo", nil)
	start := time.Now()
	if err := publishWithRetry(context.Background(), pub, update(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if loc := f.members["d1"]; loc == nil || loc.Longitude != 2 {
		t.Fatalf("member not stored: %+v", loc)
	}
}

func TestPublishWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeStore{failGeo: 5}
	if err := publishWithRetry(context.Background(), geo.NewRedisGeo(f, "k", nil), update(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestDecodeLocation(t *testing.T) {
	if _, err := decodeLocation([]byte(`{"driverId":"d1","location":{"lat":91,"lng":0}}`)); err == nil {
		t.Fatal("out of range latitude accepted")
	}
	if _, err := decodeLocation([]byte(`{"location":{"lat":1,"lng":1}}`)); err == nil {
		t.Fatal("missing driver accepted")
	}
	u, err := decodeLocation([]byte(`{"driverId":"d1","location":{"lat":1,"lng":1}}`))
	if err != nil || u.At.IsZero() {
		t.Fatalf("%+v %v", u, err)
	}
}

type scriptedReader struct {
	msgs   [][]byte
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return kafka.Message{Value: m}, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeStore{}
	r := &scriptedReader{cancel: cancel, msgs: [][]byte{
		[]byte(`not json`),
		[]byte(`{"driverId":"d1","location":{"lat":1,"lng":2}}`),
		[]byte(`{"driverId":"d2","location":{"lat":3,"lng":4}}`),
	}}
	consume(ctx, r, geo.NewRedisGeo(f, "k", nil), logging.Nop())
	if len(f.members) != 2 {
		t.Fatalf("expected two drivers mirrored, got %v", f.members)
	}
}
