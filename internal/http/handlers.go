package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/signaling"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	maxFrameBytes = 64 << 10
	pongWait      = 60 * time.Second
)

// Offers exposes offers that are still open or assigned.
type Offers interface {
	Get(offerID string) (models.RideOffer, bool)
	Active() (open, assigned int)
}

type Drivers interface {
	AvailableDrivers() []models.Participant
	Online() (riders, drivers int)
}

type Deps struct {
	Router   *signaling.Router
	Sessions *dispatch.WSRegistry
	Offers   Offers
	Rides    storage.RideStore
	Drivers  Drivers
	Logger   *slog.Logger
}

type Server struct {
	router   *signaling.Router
	sessions *dispatch.WSRegistry
	offers   Offers
	rides    storage.RideStore
	drivers  Drivers
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{
		router:   deps.Router,
		sessions: deps.Sessions,
		offers:   deps.Offers,
		rides:    deps.Rides,
		drivers:  deps.Drivers,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/available", s.handleAvailableDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	driverID, c, err := signaling.DecodeLocation(body)
	if err == nil {
		err = s.router.UpdateLocation(r.Context(), driverID, c)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if offer, ok := s.offers.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"offer": offer})
		return
	}
	ride, err := s.rides.GetRide(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, _ *http.Request) {
	drivers := s.drivers.AvailableDrivers()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(drivers), "drivers": drivers})
}

type stats struct {
	RidersOnline     int `json:"ridersOnline"`
	DriversOnline    int `json:"driversOnline"`
	DriversAvailable int `json:"driversAvailable"`
	OpenOffers       int `json:"openOffers"`
	ActiveRides      int `json:"activeRides"`
	Connections      int `json:"connections"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var st stats
	st.RidersOnline, st.DriversOnline = s.drivers.Online()
	st.DriversAvailable = len(s.drivers.AvailableDrivers())
	st.OpenOffers, st.ActiveRides = s.offers.Active()
	st.Connections = s.sessions.Len()
	writeJSON(w, http.StatusOK, st)
}

// handleWS upgrades the request and runs the connection's read loop. The
// connection gets a fresh handle; the participant binds to it on join.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug("ws_upgrade_failed", "error", err)
		return
	}
	id := models.ConnID(uuid.NewString())
	s.sessions.Add(id, conn)
	observability.Connections.Inc()
	ctx := context.WithoutCancel(r.Context())
	s.logger.Info("ws_connected", "conn_id", string(id), "remote_addr", remoteIP(r))

	defer func() {
		s.router.Disconnect(ctx, id)
		s.sessions.Remove(id)
		observability.Connections.Dec()
		s.logger.Info("ws_disconnected", "conn_id", string(id))
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws_read_failed", "conn_id", string(id), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, id, frame)
	}
}

// handleFrame keeps a panic in one handler from taking the process down.
func (s *Server) handleFrame(ctx context.Context, id models.ConnID, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic recovered", "conn_id", string(id), "error", rec)
		}
	}()
	s.router.Handle(ctx, id, frame)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRejected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"code": models.ErrorCode(err), "error": err.Error()})
}
