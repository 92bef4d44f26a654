package matcher

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type nearbyDriver struct {
	DriverID   string       `json:"driverId"`
	DistanceKm float64      `json:"distanceKm"`
	ETASeconds float64      `json:"etaSeconds"`
	Location   models.Coord `json:"location"`
}

type nearbyDriversPayload struct {
	OfferID string         `json:"offerId"`
	Count   int            `json:"count"`
	Drivers []nearbyDriver `json:"drivers"`
}

type rideRequestPayload struct {
	OfferID           string       `json:"offerId"`
	RiderID           string       `json:"riderId"`
	Pickup            string       `json:"pickup,omitempty"`
	Destination       string       `json:"destination,omitempty"`
	PickupCoords      models.Coord `json:"pickupCoords"`
	DestinationCoords models.Coord `json:"destinationCoords"`
	VehicleType       string       `json:"vehicleType"`
	Fare              float64      `json:"fare"`
	DistanceKm        float64      `json:"distanceKm"`
	ExpiresAt         time.Time    `json:"expiresAt"`
}

type offerMessage struct {
	OfferID string `json:"offerId"`
	Message string `json:"message,omitempty"`
}

type offerStatus struct {
	OfferID string            `json:"offerId"`
	State   models.OfferState `json:"state"`
	Message string            `json:"message"`
}

type rideCompletedPayload struct {
	OfferID  string  `json:"offerId"`
	DriverID string  `json:"driverId"`
	Fare     float64 `json:"fare"`
	Message  string  `json:"message,omitempty"`
}
