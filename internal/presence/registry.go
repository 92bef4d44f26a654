// Package presence tracks which riders and drivers are connected, where
// drivers are, and whether they can take a ride.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Registry struct {
	mu           sync.RWMutex
	participants map[string]*models.Participant
	byConn       map[models.ConnID]string
	now          func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]*models.Participant),
		byConn:       make(map[models.ConnID]string),
		now:          time.Now,
	}
}

// Join marks the participant online on conn, replacing any earlier handle.
// Drivers become available unless they are still bound to a ride.
func (r *Registry) Join(id string, role models.Role, conn models.ConnID, vehicleType string) error {
	if id == "" {
		return fmt.Errorf("%w: participant id is required", models.ErrInvalidArgument)
	}
	if role != models.RoleRider && role != models.RoleDriver {
		return fmt.Errorf("%w: unknown role %q", models.ErrInvalidArgument, role)
	}
	if conn == "" {
		return fmt.Errorf("%w: connection handle is required", models.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// a handle belongs to exactly one participant
	if prevID, ok := r.byConn[conn]; ok && prevID != id {
		if prev := r.participants[prevID]; prev != nil {
			r.goOffline(prev)
		}
	}

	p, ok := r.participants[id]
	if !ok {
		p = &models.Participant{ID: id}
		r.participants[id] = p
	}
	if p.Conn != "" && p.Conn != conn {
		delete(r.byConn, p.Conn)
	}
	p.Role = role
	p.Conn = conn
	p.Online = true
	p.Updated = r.now()
	if role == models.RoleDriver {
		if vehicleType != "" {
			p.VehicleType = vehicleType
		}
		p.Available = p.CurrentRideID == ""
	} else {
		p.VehicleType = ""
		p.Location = nil
		p.Available = false
		p.CurrentRideID = ""
	}
	r.byConn[conn] = id
	assertInvariant(p)
	return nil
}

func (r *Registry) UpdateLocation(driverID string, c models.Coord) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.driver(driverID)
	if err != nil {
		return err
	}
	loc := c
	p.Location = &loc
	p.Updated = r.now()
	return nil
}

func (r *Registry) SetAvailability(driverID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.driver(driverID)
	if err != nil {
		return err
	}
	if available && p.CurrentRideID != "" {
		return fmt.Errorf("%w: driver %s is on ride %s", models.ErrRejected, driverID, p.CurrentRideID)
	}
	p.Available = available
	p.Updated = r.now()
	assertInvariant(p)
	return nil
}

// Disconnect takes whoever owns conn offline. Unknown handles are ignored.
func (r *Registry) Disconnect(conn models.ConnID) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn]
	if !ok {
		return models.Participant{}, false
	}
	p := r.participants[id]
	if p == nil {
		delete(r.byConn, conn)
		return models.Participant{}, false
	}
	r.goOffline(p)
	return snapshot(p), true
}

func (r *Registry) Get(id string) (models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: participant %s", models.ErrNotFound, id)
	}
	return snapshot(p), nil
}

// Claim binds an available, online driver to rideID.
func (r *Registry) Claim(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.driver(driverID)
	if err != nil {
		return err
	}
	if !p.Online || !p.Available || p.CurrentRideID != "" {
		return fmt.Errorf("%w: driver %s is not available", models.ErrRejected, driverID)
	}
	p.Available = false
	p.CurrentRideID = rideID
	p.Updated = r.now()
	assertInvariant(p)
	return nil
}

// Release unbinds the driver from rideID. An online driver becomes
// available again; an offline one stays unavailable until it rejoins.
func (r *Registry) Release(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.driver(driverID)
	if err != nil {
		return err
	}
	if p.CurrentRideID != rideID {
		return fmt.Errorf("%w: driver %s is not bound to ride %s", models.ErrRejected, driverID, rideID)
	}
	p.CurrentRideID = ""
	p.Available = p.Online
	p.Updated = r.now()
	assertInvariant(p)
	return nil
}

// Drivers returns a snapshot of every known driver, ordered by id.
func (r *Registry) Drivers() []models.Participant {
	return r.filter(func(p *models.Participant) bool { return p.IsDriver() })
}

// AvailableDrivers returns online drivers free to take a ride, ordered by id.
func (r *Registry) AvailableDrivers() []models.Participant {
	return r.filter(func(p *models.Participant) bool {
		return p.IsDriver() && p.Online && p.Available
	})
}

// Online reports how many riders and drivers are connected.
func (r *Registry) Online() (riders, drivers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		if !p.Online {
			continue
		}
		if p.IsDriver() {
			drivers++
		} else {
			riders++
		}
	}
	return riders, drivers
}

func (r *Registry) filter(keep func(*models.Participant) bool) []models.Participant {
	r.mu.RLock()
	out := make([]models.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if keep(p) {
			out = append(out, snapshot(p))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// caller holds r.mu
func (r *Registry) driver(id string) (*models.Participant, error) {
	p, ok := r.participants[id]
	if !ok || !p.IsDriver() {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return p, nil
}

// caller holds r.mu
func (r *Registry) goOffline(p *models.Participant) {
	if p.Conn != "" {
		delete(r.byConn, p.Conn)
	}
	p.Conn = ""
	p.Online = false
	if p.IsDriver() {
		p.Available = false
	}
	p.Updated = r.now()
	assertInvariant(p)
}

func snapshot(p *models.Participant) models.Participant {
	cp := *p
	if p.Location != nil {
		loc := *p.Location
		cp.Location = &loc
	}
	return cp
}

func assertInvariant(p *models.Participant) {
	if p.CurrentRideID != "" && p.Available {
		panic(fmt.Sprintf("presence: driver %s available while bound to ride %s", p.ID, p.CurrentRideID))
	}
}
