package models

// Inbound socket events.
const (
	EventJoin               = "join"
	EventUpdateLocation     = "update-location"
	EventRequestRide        = "request-ride"
	EventAcceptRide         = "accept-ride"
	EventRejectRide         = "reject-ride"
	EventCancelRideRequest  = "cancel-ride-request"
	EventUpdateAvailability = "update-availability"
	EventCompleteRide       = "complete-ride"
)

// Outbound socket events.
const (
	EventNearbyDrivers             = "nearby-drivers"
	EventNewRideRequest            = "new-ride-request"
	EventDriverAccepted            = "driver-accepted"
	EventRideAcceptedConfirmation  = "ride-accepted-confirmation"
	EventRideTaken                 = "ride-taken"
	EventRideRejectedConfirmation  = "ride-rejected-confirmation"
	EventRideCancelled             = "ride-cancelled"
	EventRideCancelledConfirmation = "ride-cancelled-confirmation"
	EventCheckRideStatus           = "check-ride-status"
	EventRideCompleted             = "ride-completed"
	EventRideCompletedConfirmation = "ride-completed-confirmation"
	EventJoined                    = "joined"
	EventError                     = "error"
)
