package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects coordinates that are not finite or fall outside the
// valid latitude/longitude ranges.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: coordinate must be finite", ErrInvalidArgument)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, c.Lng)
	}
	return nil
}

// WireCoord is the inbound shape of a coordinate. Pointer fields let us
// tell a missing or null component apart from a legitimate zero.
type WireCoord struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (w *WireCoord) Coord() (Coord, error) {
	if w == nil {
		return Coord{}, fmt.Errorf("%w: location is required", ErrInvalidArgument)
	}
	if w.Lat == nil || w.Lng == nil {
		return Coord{}, fmt.Errorf("%w: location needs both lat and lng", ErrInvalidArgument)
	}
	c := Coord{Lat: *w.Lat, Lng: *w.Lng}
	if err := c.Validate(); err != nil {
		return Coord{}, err
	}
	return c, nil
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// ParseRole accepts the canonical role names plus the legacy client
// names ("user", "captain").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rider", "user", "passenger":
		return RoleRider, nil
	case "driver", "captain":
		return RoleDriver, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
}

// ConnID identifies one live transport connection.
type ConnID string

type Participant struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Conn          ConnID    `json:"-"`
	Online        bool      `json:"isOnline"`
	VehicleType   string    `json:"vehicleType,omitempty"`
	Location      *Coord    `json:"location,omitempty"`
	Available     bool      `json:"isAvailable"`
	CurrentRideID string    `json:"currentRideId,omitempty"`
	Updated       time.Time `json:"updated"`
}

func (p Participant) IsDriver() bool { return p.Role == RoleDriver }

type OfferState string

const (
	OfferOpen      OfferState = "OPEN"
	OfferAssigned  OfferState = "ASSIGNED"
	OfferCancelled OfferState = "CANCELLED"
	OfferExpired   OfferState = "EXPIRED"
)

func (s OfferState) Terminal() bool { return s != OfferOpen }

type RideOffer struct {
	ID                 string     `json:"offerId"`
	RiderID            string     `json:"riderId"`
	PickupAddress      string     `json:"pickup,omitempty"`
	DestinationAddress string     `json:"destination,omitempty"`
	Pickup             Coord      `json:"pickupCoords"`
	Destination        Coord      `json:"destinationCoords"`
	VehicleType        string     `json:"vehicleType"`
	Fare               float64    `json:"fare"`
	State              OfferState `json:"state"`
	CandidateDriverIDs []string   `json:"candidateDriverIds"`
	AssignedDriverID   string     `json:"assignedDriverId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
}

// Clone returns a deep copy safe to hand out of a critical section.
func (o RideOffer) Clone() RideOffer {
	o.CandidateDriverIDs = append([]string(nil), o.CandidateDriverIDs...)
	return o
}

func (o RideOffer) IsCandidate(driverID string) bool {
	for _, id := range o.CandidateDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

type CandidateDriver struct {
	DriverID   string  `json:"driverId"`
	Conn       ConnID  `json:"-"`
	DistanceKm float64 `json:"distanceKm"`
	Location   Coord   `json:"location"`
}

type Vehicle struct {
	Type     string `json:"type" bson:"type"`
	Plate    string `json:"plate,omitempty" bson:"plate,omitempty"`
	Color    string `json:"color,omitempty" bson:"color,omitempty"`
	Capacity int    `json:"capacity,omitempty" bson:"capacity,omitempty"`
}

// Profile is the directory record used to enrich outbound payloads.
type Profile struct {
	ID      string  `json:"id" bson:"_id"`
	Name    string  `json:"name" bson:"name"`
	Phone   string  `json:"phone,omitempty" bson:"phone,omitempty"`
	Vehicle Vehicle `json:"vehicle" bson:"vehicle"`
}

// AssignedDriver is what the rider learns about the driver on acceptance.
type AssignedDriver struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Phone    string  `json:"phone,omitempty"`
	Vehicle  Vehicle `json:"vehicle"`
	Location *Coord  `json:"location,omitempty"`
}

type Assignment struct {
	OfferID    string         `json:"offerId"`
	Driver     AssignedDriver `json:"driver"`
	ETASeconds float64        `json:"etaSeconds"`
}

// Ride is the archived form of an offer once it left the OPEN state.
type Ride struct {
	ID                 string    `json:"id"`
	RiderID            string    `json:"riderId"`
	DriverID           string    `json:"driverId,omitempty"`
	VehicleType        string    `json:"vehicleType"`
	PickupAddress      string    `json:"pickup,omitempty"`
	DestinationAddress string    `json:"destination,omitempty"`
	Origin             Coord     `json:"pickupCoords"`
	Destination        Coord     `json:"destinationCoords"`
	Fare               float64   `json:"fare"`
	Status             string    `json:"status"` // assigned, cancelled, expired, completed
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

const (
	RideStatusAssigned  = "assigned"
	RideStatusCancelled = "cancelled"
	RideStatusExpired   = "expired"
	RideStatusCompleted = "completed"
)

func RideFromOffer(o RideOffer, status string, at time.Time) *Ride {
	return &Ride{
		ID:                 o.ID,
		RiderID:            o.RiderID,
		DriverID:           o.AssignedDriverID,
		VehicleType:        o.VehicleType,
		PickupAddress:      o.PickupAddress,
		DestinationAddress: o.DestinationAddress,
		Origin:             o.Pickup,
		Destination:        o.Destination,
		Fare:               o.Fare,
		Status:             status,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          at,
	}
}

// LocationUpdate is published on the driver-locations stream.
type LocationUpdate struct {
	DriverID string    `json:"driverId"`
	Location Coord     `json:"location"`
	At       time.Time `json:"at"`
}

type RideEventType string

const (
	RideEventCreated   RideEventType = "offer.created"
	RideEventAssigned  RideEventType = "offer.assigned"
	RideEventCancelled RideEventType = "offer.cancelled"
	RideEventExpired   RideEventType = "offer.expired"
	RideEventCompleted RideEventType = "ride.completed"
)

// RideEvent describes a committed lifecycle transition.
type RideEvent struct {
	Type  RideEventType `json:"type"`
	Offer RideOffer     `json:"offer"`
	At    time.Time     `json:"at"`
}

// Envelope is the socket frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Notification is an outbound event. It targets a participant by id, or a
// raw connection when Conn is set.
type Notification struct {
	To      string
	Conn    ConnID
	Event   string
	Payload any
}
