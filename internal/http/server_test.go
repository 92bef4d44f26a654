package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/signaling"
	"github.com/example/ride-dispatch/internal/storage"
)

type testEnv struct {
	srv   *httptest.Server
	reg   *presence.Registry
	svc   *matcher.Service
	rides *storage.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Nop()
	reg := presence.NewRegistry()
	sessions := dispatch.NewWSRegistry(16)
	notifier := dispatch.NewNotifier(reg, sessions, logger)
	rides := storage.NewMemoryStore()
	sched := matcher.NewTimerScheduler()
	t.Cleanup(sched.Stop)
	svc := matcher.NewService(matcher.Deps{
		Presence:  reg,
		Finder:    geo.NewScanFinder(reg),
		Notifier:  notifier,
		Scheduler: sched,
		Observers: []matcher.Observer{storage.NewRecorder(rides)},
		Logger:    logger,
	}, matcher.DefaultConfig())
	router := signaling.New(signaling.Options{Presence: reg, Dispatcher: svc, Notifier: notifier, Logger: logger})
	srv := httptest.NewServer(NewServer(Deps{
		Router:   router,
		Sessions: sessions,
		Offers:   svc,
		Rides:    rides,
		Drivers:  reg,
		Logger:   logger,
	}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, reg: reg, svc: svc, rides: rides}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// await reads frames until one with the given event arrives.
func await(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame.Data
		}
	}
}

func TestWebsocketRideFlow(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t)
	driver := env.dial(t)

	emit(t, rider, models.EventJoin, map[string]any{"participantId": "r1", "role": "rider"})
	await(t, rider, models.EventJoined)
	emit(t, driver, models.EventJoin, map[string]any{"participantId": "d1", "role": "driver", "vehicleType": "car"})
	await(t, driver, models.EventJoined)
	emit(t, driver, models.EventUpdateLocation, map[string]any{"driverId": "d1", "location": map[string]float64{"lat": 28.6139, "lng": 77.2090}})

	// location updates carry no reply; poll presence until it lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, err := env.reg.Get("d1"); err == nil && p.Location != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("location never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	emit(t, rider, models.EventRequestRide, map[string]any{
		"riderId":           "r1",
		"vehicleType":       "car",
		"pickupCoords":      map[string]float64{"lat": 28.62, "lng": 77.21},
		"destinationCoords": map[string]float64{"lat": 28.5355, "lng": 77.391},
		"fare":              250,
	})
	nearby := await(t, rider, models.EventNearbyDrivers)
	if nearby["count"].(float64) != 1 {
		t.Fatalf("nearby %+v", nearby)
	}
	offer := await(t, driver, models.EventNewRideRequest)
	offerID := offer["offerId"].(string)

	emit(t, driver, models.EventAcceptRide, map[string]any{"offerId": offerID, "driverId": "d1"})
	await(t, driver, models.EventRideAcceptedConfirmation)
	accepted := await(t, rider, models.EventDriverAccepted)
	if accepted["offerId"] != offerID {
		t.Fatalf("driver-accepted %+v", accepted)
	}

	emit(t, driver, models.EventAcceptRide, map[string]any{"offerId": offerID, "driverId": "d1"})
	if e := await(t, driver, models.EventError); e["code"] != "rejected" {
		t.Fatalf("duplicate accept: %+v", e)
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/rides/" + offerID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ride lookup status %d", resp.StatusCode)
	}
}

func TestWebsocketDisconnectTakesParticipantOffline(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	emit(t, conn, models.EventJoin, map[string]any{"participantId": "d1", "role": "driver", "vehicleType": "car"})
	await(t, conn, models.EventJoined)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, _ := env.reg.Get("d1")
		if !p.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("driver still online after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDriverLocationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.reg.Join("d1", models.RoleDriver, "c1", "car"); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		body string
		want int
	}{
		{`{"driverId":"d1","location":{"lat":28.6,"lng":77.2}}`, http.StatusNoContent},
		{`{"driverId":"d1","location":{"lat":28.6}}`, http.StatusBadRequest},
		{`{"driverId":"d1","location":{"lat":"x","lng":1}}`, http.StatusBadRequest},
		{`{"driverId":"ghost","location":{"lat":1,"lng":1}}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Post(env.srv.URL+"/internal/driver/locations", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.body, resp.StatusCode, tc.want)
		}
	}
	if p, _ := env.reg.Get("d1"); p.Location == nil || p.Location.Lat != 28.6 {
		t.Fatalf("location not stored: %+v", p.Location)
	}
}

func TestGetRide(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/v1/rides/ride_missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}

	_ = env.rides.SaveRide(context.Background(), &models.Ride{ID: "ride_old", Status: models.RideStatusExpired})
	resp, err = http.Get(env.srv.URL + "/api/v1/rides/ride_old")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Ride.Status != models.RideStatusExpired {
		t.Fatalf("archived ride %+v %v", body, err)
	}
}

func TestAvailableDriversAndHealth(t *testing.T) {
	env := newTestEnv(t)
	_ = env.reg.Join("d1", models.RoleDriver, "c1", "car")
	_ = env.reg.Join("d2", models.RoleDriver, "c2", "car")
	_ = env.reg.SetAvailability("d2", false)

	resp, err := http.Get(env.srv.URL + "/api/v1/drivers/available")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Count   int                  `json:"count"`
		Drivers []models.Participant `json:"drivers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Drivers[0].ID != "d1" {
		t.Fatalf("unexpected %+v", body)
	}

	h, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	h.Body.Close()
	if h.StatusCode != http.StatusOK {
		t.Fatalf("healthz %d", h.StatusCode)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	_ = env.reg.Join("r1", models.RoleRider, "c0", "")
	_ = env.reg.Join("d1", models.RoleDriver, "c1", "car")
	_ = env.reg.Join("d2", models.RoleDriver, "c2", "car")
	_ = env.reg.UpdateLocation("d1", models.Coord{Lat: 28.6139, Lng: 77.2090})
	_ = env.reg.UpdateLocation("d2", models.Coord{Lat: 28.6140, Lng: 77.2090})
	ctx := context.Background()
	first, _, err := env.svc.RequestRide(ctx, matcher.RideRequest{RiderID: "r1", Pickup: models.Coord{Lat: 28.62, Lng: 77.21}, Destination: models.Coord{Lat: 28.5, Lng: 77.3}, VehicleType: "car"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.svc.RequestRide(ctx, matcher.RideRequest{RiderID: "r1", Pickup: models.Coord{Lat: 28.62, Lng: 77.21}, Destination: models.Coord{Lat: 28.5, Lng: 77.3}, VehicleType: "car"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.svc.AcceptOffer(ctx, first.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.srv.URL + "/admin/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got stats
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := stats{RidersOnline: 1, DriversOnline: 2, DriversAvailable: 1, OpenOffers: 1, ActiveRides: 1}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := &Server{logger: logging.Nop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}
