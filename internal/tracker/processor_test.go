package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"paxcount/internal/model"
)

// memStore is an in-memory Membership double. It hands out copies the way a
// database scan would, so mutations only land through UpdateDevices.
type memStore struct {
	mu       sync.Mutex
	vehicles map[string]*vehicleState
}

type vehicleState struct {
	devices map[string]any
	count   int
}

func newMemStore(ids ...string) *memStore {
	m := &memStore{vehicles: make(map[string]*vehicleState)}
	for _, id := range ids {
		m.vehicles[id] = &vehicleState{devices: map[string]any{}}
	}
	return m
}

func (m *memStore) Membership(_ context.Context, vehicleID string) (map[string]any, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return nil, 0, model.ErrVehicleNotFound
	}
	devices := make(map[string]any, len(v.devices))
	for k, val := range v.devices {
		devices[k] = val
	}
	return devices, v.count, nil
}

func (m *memStore) UpdateDevices(_ context.Context, vehicleID string, devices map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return model.ErrVehicleNotFound
	}
	v.devices = devices
	return nil
}

func (m *memStore) setCount(vehicleID string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vehicles[vehicleID]; ok {
		v.count = count
	}
}

// memCounter records Set calls and mirrors the count back into the store,
// the way the durable store backs both interfaces in production.
type memCounter struct {
	mu    sync.Mutex
	store *memStore
	sets  []int
}

func (c *memCounter) Set(_ context.Context, vehicleID string, count int) error {
	c.mu.Lock()
	c.sets = append(c.sets, count)
	c.mu.Unlock()
	c.store.setCount(vehicleID, count)
	return nil
}

func (c *memCounter) setCalls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sets...)
}

func newProcessorUnderTest(ids ...string) (*Processor, *memStore, *memCounter) {
	store := newMemStore(ids...)
	counter := &memCounter{store: store}
	return NewProcessor(store, counter, zap.NewNop().Sugar()), store, counter
}

func TestApplyCounterScenario(t *testing.T) {
	p, _, counter := newProcessorUnderTest("42")

	steps := []struct {
		deviceID    string
		present     bool
		wantOutcome model.Outcome
		wantCount   int
	}{
		{"aa:01", true, model.OutcomeAdded, 1},
		{"aa:01", true, model.OutcomeAlreadyPresent, 1},
		{"aa:02", true, model.OutcomeAdded, 2},
		{"aa:01", false, model.OutcomeRemoved, 1},
		{"aa:01", false, model.OutcomeNotPresent, 1},
	}

	for i, step := range steps {
		res, err := p.Apply(context.Background(), model.DeviceEvent{
			VehicleID: "42",
			DeviceID:  step.deviceID,
			Present:   step.present,
		})
		if err != nil {
			t.Fatalf("step %d: Apply() error = %v", i, err)
		}
		if res.Outcome != step.wantOutcome {
			t.Fatalf("step %d: outcome = %q, want %q", i, res.Outcome, step.wantOutcome)
		}
		if res.Count != step.wantCount {
			t.Fatalf("step %d: count = %d, want %d", i, res.Count, step.wantCount)
		}
	}

	// Only the three state changes wrote a count: 1, 2, 1.
	if got, want := counter.setCalls(), []int{1, 2, 1}; !equalInts(got, want) {
		t.Fatalf("counter writes = %v, want %v", got, want)
	}
}

func TestApplyUnknownVehicle(t *testing.T) {
	p, _, counter := newProcessorUnderTest()

	_, err := p.Apply(context.Background(), model.DeviceEvent{
		VehicleID: "ghost",
		DeviceID:  "aa:01",
		Present:   true,
	})
	if !errors.Is(err, model.ErrVehicleNotFound) {
		t.Fatalf("Apply() error = %v, want %v", err, model.ErrVehicleNotFound)
	}
	if len(counter.setCalls()) != 0 {
		t.Fatalf("counter written for unknown vehicle")
	}
}

func TestApplyCountNeverBelowZero(t *testing.T) {
	p, store, counter := newProcessorUnderTest("42")

	// Drifted state: a device on record but count already at zero.
	store.vehicles["42"].devices["aa:01"] = map[string]any{}

	res, err := p.Apply(context.Background(), model.DeviceEvent{
		VehicleID: "42",
		DeviceID:  "aa:01",
		Present:   false,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Outcome != model.OutcomeRemoved {
		t.Fatalf("outcome = %q, want %q", res.Outcome, model.OutcomeRemoved)
	}
	if res.Count != 0 {
		t.Fatalf("count = %d, want 0", res.Count)
	}
	if got := counter.setCalls(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("counter writes = %v, want [0]", got)
	}
}

func TestApplyStoresPayloadOnAdd(t *testing.T) {
	p, store, _ := newProcessorUnderTest("42")

	payload := map[string]any{"rssi": -60.5}
	if _, err := p.Apply(context.Background(), model.DeviceEvent{
		VehicleID: "42",
		DeviceID:  "aa:01",
		Present:   true,
		Payload:   payload,
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	devices, _, err := store.Membership(context.Background(), "42")
	if err != nil {
		t.Fatalf("Membership() error = %v", err)
	}
	stored, ok := devices["aa:01"].(map[string]any)
	if !ok {
		t.Fatalf("stored payload type = %T, want map", devices["aa:01"])
	}
	if stored["rssi"] != -60.5 {
		t.Fatalf("stored rssi = %v, want -60.5", stored["rssi"])
	}
}

func TestApplyDuplicateKeepsOriginalPayload(t *testing.T) {
	p, store, _ := newProcessorUnderTest("42")

	first := model.DeviceEvent{VehicleID: "42", DeviceID: "aa:01", Present: true, Payload: map[string]any{"rssi": -60.0}}
	if _, err := p.Apply(context.Background(), first); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	dup := model.DeviceEvent{VehicleID: "42", DeviceID: "aa:01", Present: true, Payload: map[string]any{"rssi": -10.0}}
	res, err := p.Apply(context.Background(), dup)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Outcome != model.OutcomeAlreadyPresent {
		t.Fatalf("outcome = %q, want %q", res.Outcome, model.OutcomeAlreadyPresent)
	}

	devices, _, _ := store.Membership(context.Background(), "42")
	stored := devices["aa:01"].(map[string]any)
	if stored["rssi"] != -60.0 {
		t.Fatalf("duplicate event rewrote payload: rssi = %v, want -60.0", stored["rssi"])
	}
}

func TestApplySerializesPerVehicle(t *testing.T) {
	p, store, counter := newProcessorUnderTest("42")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Apply(context.Background(), model.DeviceEvent{
				VehicleID: "42",
				DeviceID:  fmt.Sprintf("dev-%02d", i),
				Present:   true,
			})
			if err != nil {
				t.Errorf("Apply(dev-%02d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	_, count, err := store.Membership(context.Background(), "42")
	if err != nil {
		t.Fatalf("Membership() error = %v", err)
	}
	if count != n {
		t.Fatalf("count = %d, want %d (lost update)", count, n)
	}

	// Serialized increments write exactly 1..n in order.
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	if got := counter.setCalls(); !equalInts(got, want) {
		t.Fatalf("counter writes = %v, want %v", got, want)
	}

	// The per-vehicle lock table does not leak entries.
	p.mu.Lock()
	leaked := len(p.locks)
	p.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("lock table has %d entries after quiescence, want 0", leaked)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
