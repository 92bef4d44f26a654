package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeIntents struct {
	held      map[string]int64
	captured  []string
	cancelled []string
	holdErr   error
}

func (f *fakeIntents) Hold(_ context.Context, amount int64, _ string, offerID string) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	if f.held == nil {
		f.held = map[string]int64{}
	}
	f.held[offerID] = amount
	return "pi_" + offerID, nil
}

func (f *fakeIntents) Capture(_ context.Context, id string) error {
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeIntents) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func event(typ models.RideEventType, id string, fare float64) models.RideEvent {
	return models.RideEvent{Type: typ, Offer: models.RideOffer{ID: id, Fare: fare}}
}

func TestSettlerCapturesCompletedRide(t *testing.T) {
	f := &fakeIntents{}
	s := NewSettler(f, "inr", logging.Nop())
	ctx := context.Background()

	for _, ev := range []models.RideEvent{
		event(models.RideEventCreated, "ride_1", 249.99),
		event(models.RideEventAssigned, "ride_1", 249.99),
		event(models.RideEventCompleted, "ride_1", 249.99),
	} {
		if err := s.HandleRideEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if f.held["ride_1"] != 24999 {
		t.Fatalf("held %d", f.held["ride_1"])
	}
	if len(f.captured) != 1 || f.captured[0] != "pi_ride_1" || len(f.cancelled) != 0 {
		t.Fatalf("captured=%v cancelled=%v", f.captured, f.cancelled)
	}
	if s.Pending() != 0 {
		t.Fatal("hold not cleared")
	}
}

func TestSettlerReleasesOnCancelAndExpiry(t *testing.T) {
	f := &fakeIntents{}
	s := NewSettler(f, "", logging.Nop())
	ctx := context.Background()
	_ = s.HandleRideEvent(ctx, event(models.RideEventCreated, "ride_c", 10))
	_ = s.HandleRideEvent(ctx, event(models.RideEventCreated, "ride_e", 10))
	_ = s.HandleRideEvent(ctx, event(models.RideEventCancelled, "ride_c", 10))
	_ = s.HandleRideEvent(ctx, event(models.RideEventExpired, "ride_e", 10))
	if len(f.cancelled) != 2 || len(f.captured) != 0 {
		t.Fatalf("cancelled=%v captured=%v", f.cancelled, f.captured)
	}
}

func TestSettlerSkipsFreeRidesAndReportsErrors(t *testing.T) {
	f := &fakeIntents{}
	s := NewSettler(f, "inr", logging.Nop())
	ctx := context.Background()
	if err := s.HandleRideEvent(ctx, event(models.RideEventCreated, "ride_free", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleRideEvent(ctx, event(models.RideEventCompleted, "ride_free", 0)); err != nil {
		t.Fatal(err)
	}
	if len(f.held) != 0 || len(f.captured) != 0 {
		t.Fatal("free ride touched payments")
	}

	f.holdErr = errors.New("card declined")
	if err := s.HandleRideEvent(ctx, event(models.RideEventCreated, "ride_2", 5)); err == nil {
		t.Fatal("expected hold error")
	}
}

func TestMinorUnits(t *testing.T) {
	for fare, want := range map[float64]int64{0: 0, 1: 100, 12.34: 1234, 0.1 + 0.2: 30} {
		if got := MinorUnits(fare); got != want {
			t.Fatalf("MinorUnits(%v)=%d want %d", fare, got, want)
		}
	}
}
