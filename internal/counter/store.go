// Package counter owns the authoritative passenger count per vehicle. Every
// write lands in durable storage first and is then announced on the
// broadcast backend, so live viewers and the database never drift apart for
// longer than one change.
package counter

import (
	"context"

	"go.uber.org/zap"

	"paxcount/internal/broadcast"
	"paxcount/internal/model"
)

// Durable is the persistence half of the store.
type Durable interface {
	GetCount(ctx context.Context, vehicleID string) (int, error)
	SetCount(ctx context.Context, vehicleID string, count int) error
	ResetCount(ctx context.Context, vehicleID string) error
	CountsByVehicle(ctx context.Context) (map[string]int, error)
}

// Store reads counts from durable storage and fans writes out to the
// broadcast backend.
type Store struct {
	durable Durable
	backend broadcast.Backend
	logger  *zap.SugaredLogger
}

func NewStore(durable Durable, backend broadcast.Backend, logger *zap.SugaredLogger) *Store {
	return &Store{durable: durable, backend: backend, logger: logger}
}

// Get returns the current count. Durable storage is the authority; the
// broadcast layer only ever carries copies of what was written here.
func (s *Store) Get(ctx context.Context, vehicleID string) (int, error) {
	return s.durable.GetCount(ctx, vehicleID)
}

// Set stores a new count and announces it. The durable write and the
// publish are one logical operation: a change that was stored but not
// announced would leave viewers stale until the next event.
func (s *Store) Set(ctx context.Context, vehicleID string, count int) error {
	if err := s.durable.SetCount(ctx, vehicleID, count); err != nil {
		return err
	}
	return s.publish(ctx, vehicleID, count)
}

// Reset zeroes the count and always announces zero, even when the vehicle
// row is already gone. Viewers of a deleted vehicle see the count drop.
func (s *Store) Reset(ctx context.Context, vehicleID string) error {
	resetErr := s.durable.ResetCount(ctx, vehicleID)
	if err := s.publish(ctx, vehicleID, 0); err != nil {
		return err
	}
	return resetErr
}

// Resync re-announces every stored count. Run at startup so distributed
// listeners and broker-retained values reflect the database after a restart.
func (s *Store) Resync(ctx context.Context) error {
	counts, err := s.durable.CountsByVehicle(ctx)
	if err != nil {
		return err
	}
	for vehicleID, count := range counts {
		if err := s.publish(ctx, vehicleID, count); err != nil {
			return err
		}
	}
	s.logger.Infow("counter resync complete", "vehicles", len(counts))
	return nil
}

func (s *Store) publish(ctx context.Context, vehicleID string, count int) error {
	chg := model.CounterChange{VehicleID: vehicleID, Count: count}
	if err := s.backend.Publish(ctx, broadcast.ChannelFor(vehicleID), chg); err != nil {
		s.logger.Errorw("failed to publish counter change", "vehicle_id", vehicleID, "count", count, "error", err)
		return err
	}
	return nil
}
