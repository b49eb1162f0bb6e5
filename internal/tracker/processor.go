// Package tracker turns device presence events into passenger count
// changes. It is the only writer of a vehicle's device set, and it
// serializes events per vehicle so concurrent scanners cannot interleave
// their read-modify-write cycles.
package tracker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"paxcount/internal/model"
	"paxcount/internal/monitor"
)

// Membership reads and writes the device set of one vehicle.
type Membership interface {
	Membership(ctx context.Context, vehicleID string) (map[string]any, int, error)
	UpdateDevices(ctx context.Context, vehicleID string, devices map[string]any) error
}

// Counter stores and announces a new passenger count.
type Counter interface {
	Set(ctx context.Context, vehicleID string, count int) error
}

// Processor applies device events to vehicle state.
type Processor struct {
	store   Membership
	counter Counter
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*vehicleLock
}

// vehicleLock serializes events for one vehicle. refs tracks waiters so the
// entry can be evicted once nobody holds or wants it.
type vehicleLock struct {
	mu   sync.Mutex
	refs int
}

func NewProcessor(store Membership, counter Counter, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		store:   store,
		counter: counter,
		logger:  logger,
		locks:   make(map[string]*vehicleLock),
	}
}

// Apply routes one device event through the counter state machine:
//
//	present and device unknown  -> add device, count+1
//	present and device known    -> no change ("already present")
//	absent and device known     -> remove device, count-1 (never below 0)
//	absent and device unknown   -> no change ("not present")
//
// Events for unregistered vehicles return model.ErrVehicleNotFound; a
// vehicle must be created before its scanners are believed.
func (p *Processor) Apply(ctx context.Context, ev model.DeviceEvent) (model.ApplyResult, error) {
	lock := p.acquire(ev.VehicleID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		p.release(ev.VehicleID, lock)
	}()

	devices, count, err := p.store.Membership(ctx, ev.VehicleID)
	if err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			monitor.EventsUnknownVehicle.Inc()
		}
		return model.ApplyResult{}, err
	}

	_, present := devices[ev.DeviceID]

	var outcome model.Outcome
	switch {
	case ev.Present && !present:
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		devices[ev.DeviceID] = payload
		count++
		outcome = model.OutcomeAdded
	case ev.Present && present:
		outcome = model.OutcomeAlreadyPresent
	case !ev.Present && present:
		delete(devices, ev.DeviceID)
		if count--; count < 0 {
			count = 0
		}
		outcome = model.OutcomeRemoved
	default:
		outcome = model.OutcomeNotPresent
	}

	if outcome.StateChanged() {
		if err := p.store.UpdateDevices(ctx, ev.VehicleID, devices); err != nil {
			return model.ApplyResult{}, err
		}
		if err := p.counter.Set(ctx, ev.VehicleID, count); err != nil {
			return model.ApplyResult{}, err
		}
	}

	monitor.EventsTotal.WithLabelValues(string(outcome)).Inc()
	return model.ApplyResult{Outcome: outcome, Count: count}, nil
}

func (p *Processor) acquire(vehicleID string) *vehicleLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[vehicleID]
	if !ok {
		lock = &vehicleLock{}
		p.locks[vehicleID] = lock
	}
	lock.refs++
	return lock
}

func (p *Processor) release(vehicleID string, lock *vehicleLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lock.refs--; lock.refs == 0 {
		delete(p.locks, vehicleID)
	}
}
