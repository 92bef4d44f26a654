// Package matcher owns the ride offer lifecycle: it finds candidate
// drivers, fans the offer out, settles the race between acceptances,
// cancellation and expiry, and releases drivers when rides complete.
//
// Each offer has its own mutex. A transition happens entirely under that
// mutex (driver claims go through the presence registry while it is
// held); notifications are built afterwards and handed back to the caller
// for delivery, so no network I/O happens inside a critical section.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Config struct {
	RadiusKm            float64 `json:"radiusKm"`
	OfferTimeoutSeconds int     `json:"offerTimeoutSeconds"`
}

func DefaultConfig() Config {
	return Config{RadiusKm: 5, OfferTimeoutSeconds: 30}
}

func (c Config) offerTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

type Finder interface {
	FindCandidates(ctx context.Context, pickup models.Coord, vehicleType string, radiusKm float64) ([]models.CandidateDriver, error)
}

type Presence interface {
	Get(id string) (models.Participant, error)
	Claim(driverID, rideID string) error
	Release(driverID, rideID string) error
	AvailableDrivers() []models.Participant
}

type Notifier interface {
	Deliver(ctx context.Context, notes []models.Notification)
}

type Directory interface {
	Lookup(ctx context.Context, id string) (models.Profile, error)
}

type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

// Observer is told about every committed lifecycle transition.
type Observer interface {
	HandleRideEvent(ctx context.Context, ev models.RideEvent) error
}

// Deps are the collaborators of a Service. Presence, Finder and Notifier
// are required; the rest fall back to sensible defaults or are skipped.
type Deps struct {
	Presence  Presence
	Finder    Finder
	Notifier  Notifier
	Scheduler Scheduler
	Directory Directory
	ETA       ETA
	Observers []Observer
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

type Service struct {
	presence  Presence
	finder    Finder
	notifier  Notifier
	sched     Scheduler
	directory Directory
	eta       ETA
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	cfg       Config

	mu        sync.Mutex
	open      map[string]*entry
	assigned  map[string]*entry
	closed    map[string]tombstone
	lastPrune time.Time
}

type entry struct {
	mu        sync.Mutex
	offer     models.RideOffer
	completed bool
}

type tombstone struct {
	state models.OfferState
	at    time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if !(cfg.RadiusKm > 0) || math.IsInf(cfg.RadiusKm, 1) {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.OfferTimeoutSeconds <= 0 {
		cfg.OfferTimeoutSeconds = def.OfferTimeoutSeconds
	}
	s := &Service{
		presence:  deps.Presence,
		finder:    deps.Finder,
		notifier:  deps.Notifier,
		sched:     deps.Scheduler,
		directory: deps.Directory,
		eta:       deps.ETA,
		observers: deps.Observers,
		logger:    deps.Logger,
		now:       deps.Now,
		newID:     deps.NewID,
		cfg:       cfg,
		open:      make(map[string]*entry),
		assigned:  make(map[string]*entry),
		closed:    make(map[string]tombstone),
	}
	if s.sched == nil {
		s.sched = NewTimerScheduler()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "ride_" + uuid.NewString() }
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

type RideRequest struct {
	RiderID            string
	PickupAddress      string
	DestinationAddress string
	Pickup             models.Coord
	Destination        models.Coord
	VehicleType        string
	Fare               float64
	// ReplyTo receives nearby-drivers directly; otherwise the rider's
	// current connection does.
	ReplyTo models.ConnID
}

func (r RideRequest) validate() error {
	if r.RiderID == "" {
		return fmt.Errorf("%w: riderId is required", models.ErrInvalidArgument)
	}
	if r.VehicleType == "" {
		return fmt.Errorf("%w: vehicleType is required", models.ErrInvalidArgument)
	}
	if err := r.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if math.IsNaN(r.Fare) || math.IsInf(r.Fare, 0) || r.Fare < 0 {
		return fmt.Errorf("%w: fare must be a non-negative number", models.ErrInvalidArgument)
	}
	return nil
}

// RequestRide opens an offer and fans it out to nearby drivers. An offer
// with no candidates is still opened and simply expires.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (models.RideOffer, []models.Notification, error) {
	if err := req.validate(); err != nil {
		return models.RideOffer{}, nil, err
	}
	cands, err := s.finder.FindCandidates(ctx, req.Pickup, req.VehicleType, s.cfg.RadiusKm)
	if err != nil {
		return models.RideOffer{}, nil, fmt.Errorf("find candidates: %w", err)
	}

	now := s.now()
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}
	e := &entry{offer: models.RideOffer{
		ID:                 s.newID(),
		RiderID:            req.RiderID,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		Pickup:             req.Pickup,
		Destination:        req.Destination,
		VehicleType:        req.VehicleType,
		Fare:               req.Fare,
		State:              models.OfferOpen,
		CandidateDriverIDs: ids,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.offerTimeout()),
	}}
	offerID := e.offer.ID

	// hold the offer lock until the timer is armed so a fast accept
	// cannot leave a timer behind for a resolved offer
	e.mu.Lock()
	s.mu.Lock()
	s.open[offerID] = e
	s.mu.Unlock()
	s.sched.Schedule(offerID, s.cfg.offerTimeout(), func() { s.onExpiry(offerID) })
	offer := e.offer.Clone()
	e.mu.Unlock()

	observability.OffersCreated.Inc()
	observability.OfferCandidates.Observe(float64(len(cands)))
	s.logger.InfoContext(ctx, "offer_created",
		"offer_id", offerID,
		"rider_id", req.RiderID,
		"vehicle_type", req.VehicleType,
		"candidates", len(cands),
	)

	nearby := nearbyDriversPayload{OfferID: offerID, Count: len(cands), Drivers: make([]nearbyDriver, 0, len(cands))}
	notes := make([]models.Notification, 0, len(cands)+1)
	for _, c := range cands {
		nearby.Drivers = append(nearby.Drivers, nearbyDriver{
			DriverID:   c.DriverID,
			DistanceKm: c.DistanceKm,
			ETASeconds: s.etaSeconds(ctx, c.Location, req.Pickup),
			Location:   c.Location,
		})
	}
	notes = append(notes, s.toRider(req.RiderID, req.ReplyTo, models.EventNearbyDrivers, nearby))
	for _, c := range cands {
		notes = append(notes, models.Notification{To: c.DriverID, Event: models.EventNewRideRequest, Payload: rideRequestPayload{
			OfferID:           offerID,
			RiderID:           req.RiderID,
			Pickup:            req.PickupAddress,
			Destination:       req.DestinationAddress,
			PickupCoords:      req.Pickup,
			DestinationCoords: req.Destination,
			VehicleType:       req.VehicleType,
			Fare:              req.Fare,
			DistanceKm:        c.DistanceKm,
			ExpiresAt:         offer.ExpiresAt,
		}})
	}
	s.emit(ctx, models.RideEventCreated, offer)
	return offer, notes, nil
}

// AcceptOffer assigns the offer to driverID if it is still open, the
// driver was offered it, and the driver is still available. Exactly one
// acceptance per offer can succeed.
func (s *Service) AcceptOffer(ctx context.Context, offerID, driverID string) (models.Assignment, []models.Notification, error) {
	if offerID == "" || driverID == "" {
		return models.Assignment{}, nil, fmt.Errorf("%w: offerId and driverId are required", models.ErrInvalidArgument)
	}
	e, err := s.openEntry(offerID)
	if err != nil {
		return models.Assignment{}, nil, err
	}

	e.mu.Lock()
	if e.offer.State != models.OfferOpen {
		state := e.offer.State
		e.mu.Unlock()
		return models.Assignment{}, nil, fmt.Errorf("%w: offer %s is %s", models.ErrRejected, offerID, state)
	}
	if !e.offer.IsCandidate(driverID) {
		e.mu.Unlock()
		return models.Assignment{}, nil, fmt.Errorf("%w: driver %s was not offered %s", models.ErrRejected, driverID, offerID)
	}
	if err := s.presence.Claim(driverID, offerID); err != nil {
		e.mu.Unlock()
		return models.Assignment{}, nil, fmt.Errorf("%w: driver %s is not eligible: %v", models.ErrRejected, driverID, err)
	}
	s.mustBeBound(e, driverID, offerID)
	e.offer.State = models.OfferAssigned
	e.offer.AssignedDriverID = driverID
	s.sched.Cancel(offerID)
	s.mu.Lock()
	delete(s.open, offerID)
	s.assigned[offerID] = e
	s.mu.Unlock()
	offer := e.offer.Clone()
	e.mu.Unlock()

	observability.OffersClosed.WithLabelValues(string(models.OfferAssigned)).Inc()
	s.logger.InfoContext(ctx, "offer_assigned", "offer_id", offerID, "driver_id", driverID)

	a := s.assignment(ctx, offer, driverID)
	notes := []models.Notification{
		{To: offer.RiderID, Event: models.EventDriverAccepted, Payload: a},
		{To: driverID, Event: models.EventRideAcceptedConfirmation, Payload: offerMessage{OfferID: offerID, Message: "Ride accepted successfully"}},
	}
	for _, d := range s.presence.AvailableDrivers() {
		if d.ID == driverID {
			continue
		}
		notes = append(notes, models.Notification{To: d.ID, Event: models.EventRideTaken, Payload: offerMessage{OfferID: offerID}})
	}
	s.emit(ctx, models.RideEventAssigned, offer)
	return a, notes, nil
}

// RejectOffer only acknowledges; the offer stays open for everyone else.
func (s *Service) RejectOffer(ctx context.Context, offerID, driverID string) []models.Notification {
	s.logger.InfoContext(ctx, "offer_rejected_by_driver", "offer_id", offerID, "driver_id", driverID)
	return []models.Notification{{
		To:      driverID,
		Event:   models.EventRideRejectedConfirmation,
		Payload: offerMessage{OfferID: offerID, Message: "Ride rejected"},
	}}
}

// CancelOffer withdraws an open offer on behalf of its rider. Offers that
// already left OPEN, including assigned ones, are rejected.
func (s *Service) CancelOffer(ctx context.Context, offerID, riderID string) ([]models.Notification, error) {
	if offerID == "" || riderID == "" {
		return nil, fmt.Errorf("%w: offerId and riderId are required", models.ErrInvalidArgument)
	}
	e, err := s.openEntry(offerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.offer.State != models.OfferOpen {
		state := e.offer.State
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: offer %s is %s", models.ErrRejected, offerID, state)
	}
	if e.offer.RiderID != riderID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: offer %s belongs to another rider", models.ErrRejected, offerID)
	}
	e.offer.State = models.OfferCancelled
	s.sched.Cancel(offerID)
	s.retire(offerID, models.OfferCancelled)
	offer := e.offer.Clone()
	e.mu.Unlock()

	observability.OffersClosed.WithLabelValues(string(models.OfferCancelled)).Inc()
	s.logger.InfoContext(ctx, "offer_cancelled", "offer_id", offerID, "rider_id", riderID)

	notes := []models.Notification{{
		To:      riderID,
		Event:   models.EventRideCancelledConfirmation,
		Payload: offerMessage{OfferID: offerID, Message: "Ride cancelled successfully"},
	}}
	for _, d := range s.presence.AvailableDrivers() {
		notes = append(notes, models.Notification{To: d.ID, Event: models.EventRideCancelled, Payload: offerMessage{OfferID: offerID}})
	}
	s.emit(ctx, models.RideEventCancelled, offer)
	return notes, nil
}

// CompleteRide ends an assigned ride and frees its driver.
func (s *Service) CompleteRide(ctx context.Context, offerID, driverID string) (models.Ride, []models.Notification, error) {
	if offerID == "" || driverID == "" {
		return models.Ride{}, nil, fmt.Errorf("%w: offerId and driverId are required", models.ErrInvalidArgument)
	}
	s.mu.Lock()
	e, ok := s.assigned[offerID]
	_, isOpen := s.open[offerID]
	_, isClosed := s.closed[offerID]
	s.mu.Unlock()
	if !ok {
		if isOpen || isClosed {
			return models.Ride{}, nil, fmt.Errorf("%w: offer %s has no ride in progress", models.ErrRejected, offerID)
		}
		return models.Ride{}, nil, fmt.Errorf("%w: offer %s", models.ErrNotFound, offerID)
	}

	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return models.Ride{}, nil, fmt.Errorf("%w: ride %s already completed", models.ErrRejected, offerID)
	}
	if e.offer.AssignedDriverID != driverID {
		e.mu.Unlock()
		return models.Ride{}, nil, fmt.Errorf("%w: ride %s is assigned to another driver", models.ErrRejected, offerID)
	}
	if err := s.presence.Release(driverID, offerID); err != nil {
		e.mu.Unlock()
		return models.Ride{}, nil, err
	}
	e.completed = true
	s.mu.Lock()
	delete(s.assigned, offerID)
	s.mu.Unlock()
	s.retire(offerID, models.OfferAssigned)
	offer := e.offer.Clone()
	e.mu.Unlock()

	observability.RidesCompleted.Inc()
	s.logger.InfoContext(ctx, "ride_completed", "offer_id", offerID, "driver_id", driverID)

	ride := models.RideFromOffer(offer, models.RideStatusCompleted, s.now())
	notes := []models.Notification{
		{To: offer.RiderID, Event: models.EventRideCompleted, Payload: rideCompletedPayload{OfferID: offerID, DriverID: driverID, Fare: offer.Fare}},
		{To: driverID, Event: models.EventRideCompletedConfirmation, Payload: rideCompletedPayload{OfferID: offerID, DriverID: driverID, Fare: offer.Fare, Message: "Ride completed"}},
	}
	s.emit(ctx, models.RideEventCompleted, offer)
	return *ride, notes, nil
}

// Get returns an open offer or an assigned ride still in progress.
func (s *Service) Get(offerID string) (models.RideOffer, bool) {
	s.mu.Lock()
	e, ok := s.open[offerID]
	if !ok {
		e, ok = s.assigned[offerID]
	}
	s.mu.Unlock()
	if !ok {
		return models.RideOffer{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offer.Clone(), true
}

// Active reports how many offers are open and how many rides are assigned.
func (s *Service) Active() (open, assigned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open), len(s.assigned)
}

func (s *Service) onExpiry(offerID string) {
	ctx := context.Background()
	notes := s.expire(ctx, offerID)
	if len(notes) > 0 && s.notifier != nil {
		s.notifier.Deliver(ctx, notes)
	}
}

// expire closes the offer if nobody accepted it in time. It is a no-op for
// offers that already reached a terminal state.
func (s *Service) expire(ctx context.Context, offerID string) []models.Notification {
	s.mu.Lock()
	e, ok := s.open[offerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.offer.State != models.OfferOpen {
		e.mu.Unlock()
		return nil
	}
	e.offer.State = models.OfferExpired
	s.retire(offerID, models.OfferExpired)
	offer := e.offer.Clone()
	e.mu.Unlock()

	observability.OffersClosed.WithLabelValues(string(models.OfferExpired)).Inc()
	s.logger.InfoContext(ctx, "offer_expired", "offer_id", offerID, "candidates", len(offer.CandidateDriverIDs))

	s.emit(ctx, models.RideEventExpired, offer)
	return []models.Notification{{
		To:      offer.RiderID,
		Event:   models.EventCheckRideStatus,
		Payload: offerStatus{OfferID: offerID, State: models.OfferExpired, Message: "No driver accepted your ride request"},
	}}
}

// openEntry finds an open offer, telling a finished offer (Rejected) apart
// from one we never saw (NotFound).
func (s *Service) openEntry(offerID string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.open[offerID]; ok {
		return e, nil
	}
	if _, ok := s.assigned[offerID]; ok {
		return nil, fmt.Errorf("%w: offer %s is %s", models.ErrRejected, offerID, models.OfferAssigned)
	}
	if t, ok := s.closed[offerID]; ok {
		return nil, fmt.Errorf("%w: offer %s is %s", models.ErrRejected, offerID, t.state)
	}
	return nil, fmt.Errorf("%w: offer %s", models.ErrNotFound, offerID)
}

// retire moves an offer out of active tracking, keeping a tombstone so
// late events are rejected rather than reported unknown.
func (s *Service) retire(offerID string, state models.OfferState) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, offerID)
	s.closed[offerID] = tombstone{state: state, at: now}

	retention := 10 * s.cfg.offerTimeout()
	if retention < 5*time.Minute {
		retention = 5 * time.Minute
	}
	if now.Sub(s.lastPrune) < retention {
		return
	}
	s.lastPrune = now
	for id, t := range s.closed {
		if now.Sub(t.at) > retention {
			delete(s.closed, id)
		}
	}
}

// mustBeBound is called with e.mu held. It releases the lock before
// panicking so a recovered caller does not wedge the offer.
func (s *Service) mustBeBound(e *entry, driverID, offerID string) {
	p, err := s.presence.Get(driverID)
	if err != nil || p.Available || p.CurrentRideID != offerID {
		e.mu.Unlock()
		panic(fmt.Sprintf("matcher: driver %s claimed for %s but presence disagrees (%+v, %v)", driverID, offerID, p, err))
	}
}

func (s *Service) assignment(ctx context.Context, offer models.RideOffer, driverID string) models.Assignment {
	a := models.Assignment{OfferID: offer.ID, Driver: models.AssignedDriver{ID: driverID, Vehicle: models.Vehicle{Type: offer.VehicleType}}}
	if p, err := s.presence.Get(driverID); err == nil && p.Location != nil {
		a.Driver.Location = p.Location
		a.ETASeconds = s.etaSeconds(ctx, *p.Location, offer.Pickup)
	}
	if s.directory != nil {
		prof, err := s.directory.Lookup(ctx, driverID)
		if err != nil {
			s.logger.DebugContext(ctx, "directory_lookup_failed", "driver_id", driverID, "error", err)
		} else {
			a.Driver.Name = prof.Name
			a.Driver.Phone = prof.Phone
			if prof.Vehicle.Type != "" {
				a.Driver.Vehicle = prof.Vehicle
			}
		}
	}
	return a
}

func (s *Service) etaSeconds(ctx context.Context, from, to models.Coord) float64 {
	if s.eta == nil {
		return 0
	}
	return s.eta.Seconds(ctx, from, to)
}

func (s *Service) toRider(riderID string, replyTo models.ConnID, event string, payload any) models.Notification {
	if replyTo != "" {
		return models.Notification{Conn: replyTo, Event: event, Payload: payload}
	}
	return models.Notification{To: riderID, Event: event, Payload: payload}
}

func (s *Service) emit(ctx context.Context, typ models.RideEventType, offer models.RideOffer) {
	ev := models.RideEvent{Type: typ, Offer: offer, At: s.now()}
	for _, o := range s.observers {
		if err := o.HandleRideEvent(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "ride_event_observer_failed", "type", string(typ), "offer_id", offer.ID, "error", err)
		}
	}
}
