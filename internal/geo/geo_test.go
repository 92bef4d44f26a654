package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type staticDrivers []models.Participant

func (s staticDrivers) Drivers() []models.Participant { return s }

func (s staticDrivers) Get(id string) (models.Participant, error) {
	for _, d := range s {
		if d.ID == id {
			return d, nil
		}
	}
	return models.Participant{}, models.ErrNotFound
}

func driverAt(id string, lat, lng float64, vehicle string) models.Participant {
	return models.Participant{
		ID:          id,
		Role:        models.RoleDriver,
		Conn:        models.ConnID("conn-" + id),
		Online:      true,
		Available:   true,
		VehicleType: vehicle,
		Location:    &models.Coord{Lat: lat, Lng: lng},
	}
}

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(models.Coord{}, models.Coord{}); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      models.Coord
		wantKm    float64
		tolerance float64
	}{
		{"delhi short hop", models.Coord{Lat: 28.6139, Lng: 77.2090}, models.Coord{Lat: 28.6200, Lng: 77.2100}, 0.685, 0.001},
		{"new york to los angeles", models.Coord{Lat: 40.7128, Lng: -74.0060}, models.Coord{Lat: 34.0522, Lng: -118.2437}, 3935.7, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a, b := models.Coord{Lat: 25, Lng: 121}, models.Coord{Lat: 26, Lng: 122}
	if math.Abs(HaversineKm(a, b)-HaversineKm(b, a)) > 1e-9 {
		t.Fatal("haversine is not symmetric")
	}
}

func TestFindCandidatesSingleDriverScenario(t *testing.T) {
	f := NewScanFinder(staticDrivers{driverAt("d1", 28.6139, 77.2090, "car")})
	got, err := f.FindCandidates(context.Background(), models.Coord{Lat: 28.6200, Lng: 77.2100}, "car", 5)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if math.Abs(got[0].DistanceKm-0.68) > 0.01 {
		t.Fatalf("expected ≈0.68 km, got %f", got[0].DistanceKm)
	}
	if got[0].Conn != "conn-d1" {
		t.Fatalf("candidate lost its connection handle: %+v", got[0])
	}
}

func TestFindCandidatesFilters(t *testing.T) {
	pickup := models.Coord{Lat: 28.62, Lng: 77.21}

	offline := driverAt("offline", 28.62, 77.21, "car")
	offline.Online = false
	busy := driverAt("busy", 28.62, 77.21, "car")
	busy.Available = false
	lost := driverAt("lost", 0, 0, "car")
	lost.Location = nil
	rider := driverAt("rider", 28.62, 77.21, "car")
	rider.Role = models.RoleRider

	f := NewScanFinder(staticDrivers{
		offline, busy, lost, rider,
		driverAt("bike", 28.62, 77.21, "bike"),
		driverAt("far", 28.66, 77.21, "car"), // ≈4.45 km
		driverAt("near", 28.621, 77.21, "car"),
	})

	got, _ := f.FindCandidates(context.Background(), pickup, "car", 4)
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("expected only 'near', got %+v", got)
	}
	for _, c := range got {
		if c.DistanceKm > 4 {
			t.Fatalf("candidate %s beyond radius: %f", c.DriverID, c.DistanceKm)
		}
	}
}

func TestFindCandidatesInclusiveRadius(t *testing.T) {
	pickup := models.Coord{Lat: 28.62, Lng: 77.21}
	d := driverAt("edge", 28.62, 77.25, "car")
	radius := HaversineKm(pickup, *d.Location)

	got, _ := NewScanFinder(staticDrivers{d}).FindCandidates(context.Background(), pickup, "car", radius)
	if len(got) != 1 {
		t.Fatalf("driver exactly at the radius must be included, got %d", len(got))
	}
}

func TestFindCandidatesNaNRadiusAdmitsNobody(t *testing.T) {
	pickup := models.Coord{Lat: 28.62, Lng: 77.21}
	f := NewScanFinder(staticDrivers{
		driverAt("near", 28.6139, 77.2090, "car"),
		driverAt("london", 51.5074, -0.1278, "car"),
	})
	got, err := f.FindCandidates(context.Background(), pickup, "car", math.NaN())
	if err != nil || len(got) != 0 {
		t.Fatalf("NaN radius returned %+v, %v", got, err)
	}
}

func TestFindCandidatesOrderAndTieBreak(t *testing.T) {
	pickup := models.Coord{Lat: 28.62, Lng: 77.21}
	f := NewScanFinder(staticDrivers{
		driverAt("c", 28.63, 77.21, "car"),
		driverAt("b", 28.621, 77.21, "car"),
		driverAt("a", 28.621, 77.21, "car"),
	})
	got, _ := f.FindCandidates(context.Background(), pickup, "car", 5)
	ids := []string{got[0].DriverID, got[1].DriverID, got[2].DriverID}
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestFindCandidatesEmptyIsNotError(t *testing.T) {
	got, err := NewScanFinder(staticDrivers{}).FindCandidates(context.Background(), models.Coord{}, "car", 5)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v %v", got, err)
	}
}
