package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Recorder archives lifecycle events. Open offers stay in memory only; a
// row appears once the offer is assigned, cancelled or expired.
type Recorder struct {
	store RideStore
}

func NewRecorder(store RideStore) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) HandleRideEvent(ctx context.Context, ev models.RideEvent) error {
	switch ev.Type {
	case models.RideEventAssigned:
		return r.store.SaveRide(ctx, models.RideFromOffer(ev.Offer, models.RideStatusAssigned, ev.At))
	case models.RideEventCancelled:
		return r.store.SaveRide(ctx, models.RideFromOffer(ev.Offer, models.RideStatusCancelled, ev.At))
	case models.RideEventExpired:
		return r.store.SaveRide(ctx, models.RideFromOffer(ev.Offer, models.RideStatusExpired, ev.At))
	case models.RideEventCompleted:
		return r.store.UpdateRide(ctx, models.RideFromOffer(ev.Offer, models.RideStatusCompleted, ev.At))
	}
	return nil
}
