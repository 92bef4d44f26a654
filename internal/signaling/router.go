// Package signaling turns inbound socket frames into presence and dispatch
// operations, and every failure into an explicit error event for the
// connection that sent it.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Presence interface {
	Join(id string, role models.Role, conn models.ConnID, vehicleType string) error
	UpdateLocation(driverID string, c models.Coord) error
	SetAvailability(driverID string, available bool) error
	Disconnect(conn models.ConnID) (models.Participant, bool)
	Get(id string) (models.Participant, error)
	Online() (riders, drivers int)
}

type Dispatcher interface {
	RequestRide(ctx context.Context, req matcher.RideRequest) (models.RideOffer, []models.Notification, error)
	AcceptOffer(ctx context.Context, offerID, driverID string) (models.Assignment, []models.Notification, error)
	RejectOffer(ctx context.Context, offerID, driverID string) []models.Notification
	CancelOffer(ctx context.Context, offerID, riderID string) ([]models.Notification, error)
	CompleteRide(ctx context.Context, offerID, driverID string) (models.Ride, []models.Notification, error)
}

type Notifier interface {
	Deliver(ctx context.Context, notes []models.Notification)
}

type Directory interface {
	Lookup(ctx context.Context, id string) (models.Profile, error)
}

// LocationSink receives every accepted driver position (Redis GEO mirror,
// Kafka stream).
type LocationSink interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// LocationIndex forgets drivers that went offline.
type LocationIndex interface {
	Remove(ctx context.Context, driverID string) error
}

type Options struct {
	Presence   Presence
	Dispatcher Dispatcher
	Notifier   Notifier
	Directory  Directory
	Sinks      map[string]LocationSink
	Index      LocationIndex
	Logger     *slog.Logger
	Now        func() time.Time
}

type handlerFunc func(ctx context.Context, conn models.ConnID, data json.RawMessage) ([]models.Notification, error)

type Router struct {
	presence  Presence
	dispatch  Dispatcher
	notifier  Notifier
	directory Directory
	sinkNames []string
	sinks     map[string]LocationSink
	index     LocationIndex
	logger    *slog.Logger
	now       func() time.Time
	handlers  map[string]handlerFunc
}

func New(opts Options) *Router {
	r := &Router{
		presence:  opts.Presence,
		dispatch:  opts.Dispatcher,
		notifier:  opts.Notifier,
		directory: opts.Directory,
		sinks:     opts.Sinks,
		index:     opts.Index,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	for name := range r.sinks {
		r.sinkNames = append(r.sinkNames, name)
	}
	sort.Strings(r.sinkNames)
	r.handlers = map[string]handlerFunc{
		models.EventJoin:               r.handleJoin,
		models.EventUpdateLocation:     r.handleUpdateLocation,
		models.EventRequestRide:        r.handleRequestRide,
		models.EventAcceptRide:         r.handleAcceptRide,
		models.EventRejectRide:         r.handleRejectRide,
		models.EventCancelRideRequest:  r.handleCancelRide,
		models.EventUpdateAvailability: r.handleUpdateAvailability,
		models.EventCompleteRide:       r.handleCompleteRide,
	}
	return r
}

// Handle processes one inbound frame from conn and delivers the outcome.
func (r *Router) Handle(ctx context.Context, conn models.ConnID, frame []byte) {
	if notes := r.Process(ctx, conn, frame); len(notes) > 0 {
		r.notifier.Deliver(ctx, notes)
	}
}

// Process is Handle without delivery.
func (r *Router) Process(ctx context.Context, conn models.ConnID, frame []byte) []models.Notification {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return r.fail(ctx, conn, "", fmt.Errorf("%w: malformed frame: %v", models.ErrInvalidArgument, err))
	}
	h, ok := r.handlers[env.Event]
	if !ok {
		return r.fail(ctx, conn, env.Event, fmt.Errorf("%w: unknown event %q", models.ErrInvalidArgument, env.Event))
	}
	notes, err := h(ctx, conn, env.Data)
	if err != nil {
		return append(notes, r.fail(ctx, conn, env.Event, err)...)
	}
	return notes
}

// Disconnect takes the participant behind conn offline.
func (r *Router) Disconnect(ctx context.Context, conn models.ConnID) {
	p, ok := r.presence.Disconnect(conn)
	if !ok {
		return
	}
	r.refreshGauges()
	if p.IsDriver() && r.index != nil {
		if err := r.index.Remove(ctx, p.ID); err != nil {
			observability.LocationSinkErrors.WithLabelValues("index").Inc()
			r.logger.WarnContext(ctx, "location_index_remove_failed", "driver_id", p.ID, "error", err)
		}
	}
	r.logger.InfoContext(ctx, "participant_disconnected", "participant_id", p.ID, "role", string(p.Role), "conn_id", string(conn), "current_ride_id", p.CurrentRideID)
}

// UpdateLocation records a driver position and fans it out to the sinks.
// Sink failures are logged; the registry update stands.
func (r *Router) UpdateLocation(ctx context.Context, driverID string, c models.Coord) error {
	if driverID == "" {
		return fmt.Errorf("%w: driverId is required", models.ErrInvalidArgument)
	}
	if err := r.presence.UpdateLocation(driverID, c); err != nil {
		return err
	}
	r.publish(ctx, models.LocationUpdate{DriverID: driverID, Location: c, At: r.now()})
	return nil
}

func (r *Router) publish(ctx context.Context, u models.LocationUpdate) {
	for _, name := range r.sinkNames {
		if err := r.sinks[name].PublishLocation(ctx, u); err != nil {
			observability.LocationSinkErrors.WithLabelValues(name).Inc()
			r.logger.WarnContext(ctx, "location_sink_failed", "sink", name, "driver_id", u.DriverID, "error", err)
		}
	}
}

type joinPayload struct {
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
	VehicleType   string `json:"vehicleType"`
}

type joinedPayload struct {
	ParticipantID string      `json:"participantId"`
	Role          models.Role `json:"role"`
	IsAvailable   bool        `json:"isAvailable"`
	CurrentRideID string      `json:"currentRideId,omitempty"`
}

func (r *Router) handleJoin(ctx context.Context, conn models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p joinPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	role, err := models.ParseRole(p.Role)
	if err != nil {
		return nil, err
	}
	vehicleType := p.VehicleType
	if role == models.RoleDriver && vehicleType == "" && r.directory != nil {
		if prof, err := r.directory.Lookup(ctx, p.ParticipantID); err == nil {
			vehicleType = prof.Vehicle.Type
		}
	}
	if err := r.presence.Join(p.ParticipantID, role, conn, vehicleType); err != nil {
		return nil, err
	}
	r.refreshGauges()
	joined, err := r.presence.Get(p.ParticipantID)
	if err != nil {
		return nil, err
	}
	// disconnect dropped the driver from the index; the registry kept the
	// last fix, so put it back
	if joined.IsDriver() && joined.Location != nil {
		r.publish(ctx, models.LocationUpdate{DriverID: joined.ID, Location: *joined.Location, At: r.now()})
	}
	r.logger.InfoContext(ctx, "participant_joined", "participant_id", joined.ID, "role", string(role), "conn_id", string(conn))
	return []models.Notification{{Conn: conn, Event: models.EventJoined, Payload: joinedPayload{
		ParticipantID: joined.ID,
		Role:          joined.Role,
		IsAvailable:   joined.Available,
		CurrentRideID: joined.CurrentRideID,
	}}}, nil
}

type locationPayload struct {
	DriverID string            `json:"driverId"`
	Location *models.WireCoord `json:"location"`
}

// DecodeLocation parses a location payload shared by the socket event and the
// HTTP ingestion endpoint.
func DecodeLocation(data []byte) (string, models.Coord, error) {
	var p locationPayload
	if err := decode(data, &p); err != nil {
		return "", models.Coord{}, err
	}
	c, err := p.Location.Coord()
	if err != nil {
		return "", models.Coord{}, err
	}
	return p.DriverID, c, nil
}

func (r *Router) handleUpdateLocation(ctx context.Context, _ models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	driverID, c, err := DecodeLocation(data)
	if err != nil {
		return nil, err
	}
	return nil, r.UpdateLocation(ctx, driverID, c)
}

type requestRidePayload struct {
	RiderID           string            `json:"riderId"`
	Pickup            string            `json:"pickup"`
	Destination       string            `json:"destination"`
	VehicleType       string            `json:"vehicleType"`
	PickupCoords      *models.WireCoord `json:"pickupCoords"`
	DestinationCoords *models.WireCoord `json:"destinationCoords"`
	Fare              float64           `json:"fare"`
}

func (r *Router) handleRequestRide(ctx context.Context, conn models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p requestRidePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	pickup, err := p.PickupCoords.Coord()
	if err != nil {
		return nil, fmt.Errorf("pickupCoords: %w", err)
	}
	dest, err := p.DestinationCoords.Coord()
	if err != nil {
		return nil, fmt.Errorf("destinationCoords: %w", err)
	}
	_, notes, err := r.dispatch.RequestRide(ctx, matcher.RideRequest{
		RiderID:            p.RiderID,
		PickupAddress:      p.Pickup,
		DestinationAddress: p.Destination,
		Pickup:             pickup,
		Destination:        dest,
		VehicleType:        p.VehicleType,
		Fare:               p.Fare,
		ReplyTo:            conn,
	})
	return notes, err
}

type offerActionPayload struct {
	OfferID  string `json:"offerId"`
	DriverID string `json:"driverId"`
	RiderID  string `json:"riderId"`
}

func (r *Router) handleAcceptRide(ctx context.Context, _ models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p offerActionPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	_, notes, err := r.dispatch.AcceptOffer(ctx, p.OfferID, p.DriverID)
	return notes, err
}

func (r *Router) handleRejectRide(ctx context.Context, conn models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p offerActionPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.OfferID == "" || p.DriverID == "" {
		return nil, fmt.Errorf("%w: offerId and driverId are required", models.ErrInvalidArgument)
	}
	notes := r.dispatch.RejectOffer(ctx, p.OfferID, p.DriverID)
	// the acknowledgment goes back to whoever sent the rejection
	for i := range notes {
		if notes[i].To == p.DriverID {
			notes[i].Conn = conn
		}
	}
	return notes, nil
}

func (r *Router) handleCancelRide(ctx context.Context, _ models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p offerActionPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return r.dispatch.CancelOffer(ctx, p.OfferID, p.RiderID)
}

func (r *Router) handleCompleteRide(ctx context.Context, _ models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p offerActionPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	_, notes, err := r.dispatch.CompleteRide(ctx, p.OfferID, p.DriverID)
	return notes, err
}

type availabilityPayload struct {
	DriverID    string `json:"driverId"`
	IsAvailable *bool  `json:"isAvailable"`
}

func (r *Router) handleUpdateAvailability(ctx context.Context, _ models.ConnID, data json.RawMessage) ([]models.Notification, error) {
	var p availabilityPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.IsAvailable == nil {
		return nil, fmt.Errorf("%w: isAvailable is required", models.ErrInvalidArgument)
	}
	if err := r.presence.SetAvailability(p.DriverID, *p.IsAvailable); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "availability_updated", "driver_id", p.DriverID, "available", *p.IsAvailable)
	return nil, nil
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Router) fail(ctx context.Context, conn models.ConnID, event string, err error) []models.Notification {
	code := models.ErrorCode(err)
	observability.OperationsRejected.WithLabelValues(metricEvent(event), code).Inc()
	level := slog.LevelInfo
	if code == "internal" {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "operation_failed", "event", event, "code", code, "conn_id", string(conn), "error", err)
	return []models.Notification{{Conn: conn, Event: models.EventError, Payload: errorPayload{Event: event, Code: code, Message: err.Error()}}}
}

func (r *Router) refreshGauges() {
	riders, drivers := r.presence.Online()
	observability.RidersOnline.Set(float64(riders))
	observability.DriversOnline.Set(float64(drivers))
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", models.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %s must be %s", models.ErrInvalidArgument, typeErr.Field, typeErr.Type)
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	return nil
}

// metricEvent bounds the label set to known events.
func metricEvent(event string) string {
	switch event {
	case models.EventJoin, models.EventUpdateLocation, models.EventRequestRide, models.EventAcceptRide,
		models.EventRejectRide, models.EventCancelRideRequest, models.EventUpdateAvailability, models.EventCompleteRide:
		return event
	}
	return "unknown"
}
