package matcher

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// AsyncObserver moves a slow observer (a broker, a database, a payment
// API) off the request path. Events reach the wrapped observer in commit
// order; when the queue is full they are dropped and counted.
type AsyncObserver struct {
	name   string
	next   Observer
	events chan models.RideEvent
	logger *slog.Logger
	done   chan struct{}
}

func NewAsyncObserver(name string, next Observer, buffer int, logger *slog.Logger) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncObserver{
		name:   name,
		next:   next,
		events: make(chan models.RideEvent, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (a *AsyncObserver) HandleRideEvent(ctx context.Context, ev models.RideEvent) error {
	select {
	case a.events <- ev:
	default:
		observability.ObserverDropped.WithLabelValues(a.name).Inc()
		a.logger.WarnContext(ctx, "ride_event_dropped", "observer", a.name, "type", string(ev.Type), "offer_id", ev.Offer.ID)
	}
	return nil
}

// Run forwards queued events until ctx is cancelled, then drains what is
// already queued.
func (a *AsyncObserver) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case ev := <-a.events:
			a.forward(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.events:
					a.forward(context.WithoutCancel(ctx), ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (a *AsyncObserver) Done() <-chan struct{} { return a.done }

func (a *AsyncObserver) forward(ctx context.Context, ev models.RideEvent) {
	if err := a.next.HandleRideEvent(ctx, ev); err != nil {
		observability.ObserverErrors.WithLabelValues(a.name).Inc()
		a.logger.ErrorContext(ctx, "ride_event_observer_failed", "observer", a.name, "type", string(ev.Type), "offer_id", ev.Offer.ID, "error", err)
	}
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev models.RideEvent) error

func (f ObserverFunc) HandleRideEvent(ctx context.Context, ev models.RideEvent) error {
	return f(ctx, ev)
}
