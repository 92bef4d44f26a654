package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Intents interface {
	Hold(ctx context.Context, amount int64, currency, offerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Settler follows the offer lifecycle with a payment hold: it holds the
// fare when an offer opens, captures it when the ride completes and
// releases it when the offer is cancelled or expires. It must see events
// in commit order.
type Settler struct {
	intents  Intents
	currency string
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string // offer id -> payment intent id
}

func NewSettler(intents Intents, currency string, logger *slog.Logger) *Settler {
	if currency == "" {
		currency = "inr"
	}
	return &Settler{intents: intents, currency: currency, logger: logger, holds: make(map[string]string)}
}

// MinorUnits converts a fare to the smallest currency unit.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}

func (s *Settler) HandleRideEvent(ctx context.Context, ev models.RideEvent) error {
	switch ev.Type {
	case models.RideEventCreated:
		if ev.Offer.Fare <= 0 {
			return nil
		}
		id, err := s.intents.Hold(ctx, MinorUnits(ev.Offer.Fare), s.currency, ev.Offer.ID)
		if err != nil {
			return fmt.Errorf("hold fare for %s: %w", ev.Offer.ID, err)
		}
		s.mu.Lock()
		s.holds[ev.Offer.ID] = id
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "fare_held", "offer_id", ev.Offer.ID, "payment_intent", id)
	case models.RideEventCancelled, models.RideEventExpired:
		if id, ok := s.take(ev.Offer.ID); ok {
			if err := s.intents.Cancel(ctx, id); err != nil {
				return fmt.Errorf("release hold for %s: %w", ev.Offer.ID, err)
			}
			s.logger.InfoContext(ctx, "fare_released", "offer_id", ev.Offer.ID, "payment_intent", id)
		}
	case models.RideEventCompleted:
		if id, ok := s.take(ev.Offer.ID); ok {
			if err := s.intents.Capture(ctx, id); err != nil {
				return fmt.Errorf("capture fare for %s: %w", ev.Offer.ID, err)
			}
			s.logger.InfoContext(ctx, "fare_captured", "offer_id", ev.Offer.ID, "payment_intent", id)
		}
	}
	return nil
}

// Pending reports how many holds are outstanding.
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds)
}

func (s *Settler) take(offerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[offerID]
	delete(s.holds, offerID)
	return id, ok
}
