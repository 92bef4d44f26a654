package geo

import (
	"context"
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// DriverSource is the read side of the presence registry.
type DriverSource interface {
	Drivers() []models.Participant
}

// ScanFinder answers candidate queries with a linear scan over a registry
// snapshot. Fine for a single process; RedisGeo can replace it.
type ScanFinder struct {
	src DriverSource
}

func NewScanFinder(src DriverSource) *ScanFinder {
	return &ScanFinder{src: src}
}

func (f *ScanFinder) FindCandidates(_ context.Context, pickup models.Coord, vehicleType string, radiusKm float64) ([]models.CandidateDriver, error) {
	out := make([]models.CandidateDriver, 0)
	for _, d := range f.src.Drivers() {
		if c, ok := Qualify(d, pickup, vehicleType, radiusKm); ok {
			out = append(out, c)
		}
	}
	SortCandidates(out)
	return out, nil
}

// Qualify applies the candidate filter to one driver: online, available,
// locatable, same vehicle type and within radiusKm (inclusive).
func Qualify(d models.Participant, pickup models.Coord, vehicleType string, radiusKm float64) (models.CandidateDriver, bool) {
	if !d.IsDriver() || !d.Online || !d.Available || d.Location == nil {
		return models.CandidateDriver{}, false
	}
	if d.VehicleType != vehicleType {
		return models.CandidateDriver{}, false
	}
	dist := HaversineKm(pickup, *d.Location)
	// written so a NaN radius admits nobody
	if !(dist <= radiusKm) {
		return models.CandidateDriver{}, false
	}
	return models.CandidateDriver{
		DriverID:   d.ID,
		Conn:       d.Conn,
		DistanceKm: dist,
		Location:   *d.Location,
	}, true
}

// SortCandidates orders nearest first, ties by driver id.
func SortCandidates(c []models.CandidateDriver) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		return c[i].DriverID < c[j].DriverID
	})
}

// HaversineKm is the great-circle distance on a 6371 km sphere.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
