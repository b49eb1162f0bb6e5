package db

import (
	"context"
	"errors"

	"paxcount/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const vehiclesSchema = `
	CREATE TABLE IF NOT EXISTS vehicles (
		vehicle_id      TEXT PRIMARY KEY,
		devices         JSONB NOT NULL DEFAULT '{}'::jsonb,
		passenger_count INT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// VehicleStore is the durable home of vehicle registrations: which devices
// are on board and the passenger count derived from them.
type VehicleStore struct {
	mgr    *DBManager
	logger *zap.SugaredLogger
}

func NewVehicleStore(mgr *DBManager, logger *zap.SugaredLogger) *VehicleStore {
	return &VehicleStore{mgr: mgr, logger: logger}
}

// EnsureSchema creates the vehicles table if it does not exist
func (s *VehicleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.mgr.Pool().Exec(ctx, vehiclesSchema); err != nil {
		s.logger.Errorw("failed to ensure vehicles schema", "error", err)
		return err
	}
	return nil
}

// CreateVehicle registers a new vehicle with no devices and a zero count.
// Returns model.ErrVehicleExists when the id is already registered.
func (s *VehicleStore) CreateVehicle(ctx context.Context, vehicleID string) (model.Vehicle, error) {
	v := model.Vehicle{VehicleID: vehicleID, Devices: map[string]any{}}

	err := s.mgr.Pool().QueryRow(ctx, `
		INSERT INTO vehicles (vehicle_id)
		VALUES ($1)
		ON CONFLICT (vehicle_id) DO NOTHING
		RETURNING created_at, updated_at
	`, vehicleID).Scan(&v.CreatedAt, &v.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vehicle{}, model.ErrVehicleExists
	}
	if err != nil {
		s.logger.Errorw("failed to insert vehicle", "vehicle_id", vehicleID, "error", err)
		return model.Vehicle{}, err
	}
	return v, nil
}

// GetVehicle loads a single vehicle row.
func (s *VehicleStore) GetVehicle(ctx context.Context, vehicleID string) (model.Vehicle, error) {
	var (
		v          model.Vehicle
		devicesRaw []byte
	)
	err := s.mgr.Pool().QueryRow(ctx, `
		SELECT vehicle_id, devices, passenger_count, created_at, updated_at
		FROM vehicles
		WHERE vehicle_id = $1
	`, vehicleID).Scan(&v.VehicleID, &devicesRaw, &v.Count, &v.CreatedAt, &v.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vehicle{}, model.ErrVehicleNotFound
	}
	if err != nil {
		s.logger.Errorw("failed to select vehicle", "vehicle_id", vehicleID, "error", err)
		return model.Vehicle{}, err
	}

	v.Devices, err = model.UnmarshalPayload(devicesRaw)
	if err != nil {
		s.logger.Errorw("failed to decode devices column", "vehicle_id", vehicleID, "error", err)
		return model.Vehicle{}, err
	}
	return v, nil
}

// ListVehicles returns every registered vehicle ordered by id.
func (s *VehicleStore) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := s.mgr.Pool().Query(ctx, `
		SELECT vehicle_id, devices, passenger_count, created_at, updated_at
		FROM vehicles
		ORDER BY vehicle_id
	`)
	if err != nil {
		s.logger.Errorw("failed to list vehicles", "error", err)
		return nil, err
	}
	defer rows.Close()

	vehicles := make([]model.Vehicle, 0)
	for rows.Next() {
		var (
			v          model.Vehicle
			devicesRaw []byte
		)
		if err := rows.Scan(&v.VehicleID, &devicesRaw, &v.Count, &v.CreatedAt, &v.UpdatedAt); err != nil {
			s.logger.Errorw("failed to scan vehicle row", "error", err)
			return nil, err
		}
		if v.Devices, err = model.UnmarshalPayload(devicesRaw); err != nil {
			s.logger.Errorw("failed to decode devices column", "vehicle_id", v.VehicleID, "error", err)
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// DeleteVehicle removes a vehicle row. Returns model.ErrVehicleNotFound when
// nothing was deleted.
func (s *VehicleStore) DeleteVehicle(ctx context.Context, vehicleID string) error {
	tag, err := s.mgr.Pool().Exec(ctx, `DELETE FROM vehicles WHERE vehicle_id = $1`, vehicleID)
	if err != nil {
		s.logger.Errorw("failed to delete vehicle", "vehicle_id", vehicleID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrVehicleNotFound
	}
	return nil
}

// Membership returns the device set and current count for one vehicle.
func (s *VehicleStore) Membership(ctx context.Context, vehicleID string) (map[string]any, int, error) {
	var (
		devicesRaw []byte
		count      int
	)
	err := s.mgr.Pool().QueryRow(ctx, `
		SELECT devices, passenger_count
		FROM vehicles
		WHERE vehicle_id = $1
	`, vehicleID).Scan(&devicesRaw, &count)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, model.ErrVehicleNotFound
	}
	if err != nil {
		s.logger.Errorw("failed to select membership", "vehicle_id", vehicleID, "error", err)
		return nil, 0, err
	}

	devices, err := model.UnmarshalPayload(devicesRaw)
	if err != nil {
		s.logger.Errorw("failed to decode devices column", "vehicle_id", vehicleID, "error", err)
		return nil, 0, err
	}
	return devices, count, nil
}

// UpdateDevices replaces the device set for one vehicle.
func (s *VehicleStore) UpdateDevices(ctx context.Context, vehicleID string, devices map[string]any) error {
	devicesJSON, err := model.MarshalPayload(devices)
	if err != nil {
		s.logger.Errorw("failed to marshal devices", "vehicle_id", vehicleID, "error", err)
		return err
	}

	tag, err := s.mgr.Pool().Exec(ctx, `
		UPDATE vehicles
		SET devices = $2, updated_at = NOW()
		WHERE vehicle_id = $1
	`, vehicleID, string(devicesJSON))
	if err != nil {
		s.logger.Errorw("failed to update devices", "vehicle_id", vehicleID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrVehicleNotFound
	}
	return nil
}

// GetCount returns the durable passenger count for one vehicle.
func (s *VehicleStore) GetCount(ctx context.Context, vehicleID string) (int, error) {
	var count int
	err := s.mgr.Pool().QueryRow(ctx, `
		SELECT passenger_count FROM vehicles WHERE vehicle_id = $1
	`, vehicleID).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrVehicleNotFound
	}
	if err != nil {
		s.logger.Errorw("failed to select count", "vehicle_id", vehicleID, "error", err)
		return 0, err
	}
	return count, nil
}

// SetCount stores a new passenger count for one vehicle.
func (s *VehicleStore) SetCount(ctx context.Context, vehicleID string, count int) error {
	tag, err := s.mgr.Pool().Exec(ctx, `
		UPDATE vehicles
		SET passenger_count = $2, updated_at = NOW()
		WHERE vehicle_id = $1
	`, vehicleID, count)
	if err != nil {
		s.logger.Errorw("failed to update count", "vehicle_id", vehicleID, "count", count, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrVehicleNotFound
	}
	return nil
}

// ResetCount zeroes the stored count. Missing rows are not an error: the
// reset that follows a vehicle delete runs after the row is already gone.
func (s *VehicleStore) ResetCount(ctx context.Context, vehicleID string) error {
	_, err := s.mgr.Pool().Exec(ctx, `
		UPDATE vehicles
		SET passenger_count = 0, updated_at = NOW()
		WHERE vehicle_id = $1
	`, vehicleID)
	if err != nil {
		s.logger.Errorw("failed to reset count", "vehicle_id", vehicleID, "error", err)
	}
	return err
}

// CountsByVehicle returns every stored count, used to re-announce state
// after a restart.
func (s *VehicleStore) CountsByVehicle(ctx context.Context) (map[string]int, error) {
	rows, err := s.mgr.Pool().Query(ctx, `SELECT vehicle_id, passenger_count FROM vehicles`)
	if err != nil {
		s.logger.Errorw("failed to select counts", "error", err)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			s.logger.Errorw("failed to scan count row", "error", err)
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}
