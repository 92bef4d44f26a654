package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema file such as migrations/001_create_rides.sql.
// The statements are expected to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return nil
}

// SaveRide upserts so a redelivered lifecycle event does not fail.
func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, vehicle_type, pickup_address, dest_address, origin_lat, origin_lng, dest_lat, dest_lng, fare, status, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		r.ID, r.RiderID, r.DriverID, r.VehicleType, r.PickupAddress, r.DestinationAddress,
		r.Origin.Lat, r.Origin.Lng, r.Destination.Lat, r.Destination.Lng, r.Fare, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=NULLIF($1,''), status=$2, updated_at=$3 WHERE id=$4`, r.DriverID, r.Status, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: ride %s", models.ErrNotFound, r.ID)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var (
		r        models.Ride
		driverID sql.NullString
		pickup   sql.NullString
		dest     sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, vehicle_type, pickup_address, dest_address, origin_lat, origin_lng, dest_lat, dest_lng, fare, status, created_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &driverID, &r.VehicleType, &pickup, &dest, &r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng, &r.Fare, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.DriverID, r.PickupAddress, r.DestinationAddress = driverID.String, pickup.String, dest.String
	return &r, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
