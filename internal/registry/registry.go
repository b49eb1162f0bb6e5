// Package registry manages the vehicle fleet roster. Vehicles are created
// and deleted here; device events for vehicles missing from the roster are
// rejected upstream.
package registry

import (
	"context"

	"go.uber.org/zap"

	"paxcount/internal/model"
)

// VehicleStore is the durable roster.
type VehicleStore interface {
	CreateVehicle(ctx context.Context, vehicleID string) (model.Vehicle, error)
	GetVehicle(ctx context.Context, vehicleID string) (model.Vehicle, error)
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	DeleteVehicle(ctx context.Context, vehicleID string) error
}

// Counter announces count changes tied to roster changes.
type Counter interface {
	Set(ctx context.Context, vehicleID string, count int) error
	Reset(ctx context.Context, vehicleID string) error
}

type Registry struct {
	store   VehicleStore
	counter Counter
	logger  *zap.SugaredLogger
}

func New(store VehicleStore, counter Counter, logger *zap.SugaredLogger) *Registry {
	return &Registry{store: store, counter: counter, logger: logger}
}

// Create registers a vehicle and announces its starting count so any
// viewer already watching the id sees a defined value. The count is
// normally zero; a positive initialCount seeds occupancy carried over
// from another system. Returns model.ErrVehicleExists for duplicate ids.
func (r *Registry) Create(ctx context.Context, vehicleID string, initialCount int) (model.Vehicle, error) {
	if initialCount < 0 {
		initialCount = 0
	}
	v, err := r.store.CreateVehicle(ctx, vehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}
	if err := r.counter.Set(ctx, vehicleID, initialCount); err != nil {
		return model.Vehicle{}, err
	}
	v.Count = initialCount
	r.logger.Infow("vehicle registered", "vehicle_id", vehicleID, "count", initialCount)
	return v, nil
}

// Get returns one vehicle or model.ErrVehicleNotFound.
func (r *Registry) Get(ctx context.Context, vehicleID string) (model.Vehicle, error) {
	return r.store.GetVehicle(ctx, vehicleID)
}

// List returns the full roster.
func (r *Registry) List(ctx context.Context) ([]model.Vehicle, error) {
	return r.store.ListVehicles(ctx)
}

// Delete removes a vehicle and announces a final count of zero, so live
// viewers watching the deleted id see it empty out instead of freezing on
// the last value.
func (r *Registry) Delete(ctx context.Context, vehicleID string) error {
	if err := r.store.DeleteVehicle(ctx, vehicleID); err != nil {
		return err
	}
	if err := r.counter.Reset(ctx, vehicleID); err != nil {
		return err
	}
	r.logger.Infow("vehicle removed", "vehicle_id", vehicleID)
	return nil
}
