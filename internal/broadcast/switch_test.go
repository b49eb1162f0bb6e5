package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"paxcount/internal/model"
)

// stubBackend is a scriptable Backend for exercising the switch.
type stubBackend struct {
	mu        sync.Mutex
	published []model.CounterChange
	failPub   bool
	subs      map[string][]*Subscription
}

func newStubBackend() *stubBackend {
	return &stubBackend{subs: make(map[string][]*Subscription)}
}

func (f *stubBackend) Publish(_ context.Context, channel string, chg model.CounterChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("stub publish failure")
	}
	f.published = append(f.published, chg)
	for _, sub := range f.subs[channel] {
		sub.deliver(chg)
	}
	return nil
}

func (f *stubBackend) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newSubscription(nil)
	f.subs[channel] = append(f.subs[channel], sub)
	return sub, nil
}

func (f *stubBackend) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	f.subs = make(map[string][]*Subscription)
	return nil
}

func (f *stubBackend) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *stubBackend) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPub = fail
}

func waitForMode(t *testing.T, s *Switch, want Mode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Mode() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mode = %v, want %v", s.Mode(), want)
}

func TestSwitchStartsInFallbackWhenBrokerDown(t *testing.T) {
	dist := newStubBackend()
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{
		Distributed: dist,
		Ready:       func() bool { return false },
		Fallback:    local,
		Logger:      testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	if got := s.Mode(); got != ModeFallback {
		t.Fatalf("Mode() = %v, want %v", got, ModeFallback)
	}
	if err := s.Publish(context.Background(), ChannelFor("1"), model.CounterChange{VehicleID: "1", Count: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if dist.publishedCount() != 0 {
		t.Fatalf("distributed received %d publishes, want 0", dist.publishedCount())
	}
	if local.publishedCount() != 1 {
		t.Fatalf("fallback received %d publishes, want 1", local.publishedCount())
	}
}

func TestSwitchPrefersDistributedWhenReady(t *testing.T) {
	dist := newStubBackend()
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{
		Distributed: dist,
		Ready:       func() bool { return true },
		Fallback:    local,
		Logger:      testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	if got := s.Mode(); got != ModeDistributed {
		t.Fatalf("Mode() = %v, want %v", got, ModeDistributed)
	}
	if err := s.Publish(context.Background(), ChannelFor("1"), model.CounterChange{VehicleID: "1", Count: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if dist.publishedCount() != 1 {
		t.Fatalf("distributed received %d publishes, want 1", dist.publishedCount())
	}
	if local.publishedCount() != 0 {
		t.Fatalf("fallback received %d publishes, want 0", local.publishedCount())
	}
}

func TestSwitchFallsBackOnPublishFailure(t *testing.T) {
	dist := newStubBackend()
	dist.setFail(true)
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{
		Distributed: dist,
		Ready:       func() bool { return true },
		Fallback:    local,
		Logger:      testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	// The failed distributed publish is retried on the fallback so local
	// subscribers still observe the change.
	if err := s.Publish(context.Background(), ChannelFor("1"), model.CounterChange{VehicleID: "1", Count: 2}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := s.Mode(); got != ModeFallback {
		t.Fatalf("Mode() after failure = %v, want %v", got, ModeFallback)
	}
	if local.publishedCount() != 1 {
		t.Fatalf("fallback received %d publishes, want 1", local.publishedCount())
	}

	// Subsequent publishes go straight to the fallback.
	if err := s.Publish(context.Background(), ChannelFor("1"), model.CounterChange{VehicleID: "1", Count: 3}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if dist.publishedCount() != 0 {
		t.Fatalf("distributed received %d publishes, want 0", dist.publishedCount())
	}
	if local.publishedCount() != 2 {
		t.Fatalf("fallback received %d publishes, want 2", local.publishedCount())
	}
}

func TestSwitchProbeRestoresDistributed(t *testing.T) {
	var up atomic.Bool
	dist := newStubBackend()
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{
		Distributed:   dist,
		Ready:         up.Load,
		Fallback:      local,
		ProbeInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	if got := s.Mode(); got != ModeFallback {
		t.Fatalf("Mode() = %v, want %v", got, ModeFallback)
	}

	up.Store(true)
	waitForMode(t, s, ModeDistributed)

	if err := s.Publish(context.Background(), ChannelFor("1"), model.CounterChange{VehicleID: "1", Count: 4}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if dist.publishedCount() != 1 {
		t.Fatalf("distributed received %d publishes, want 1", dist.publishedCount())
	}
}

func TestSwitchProbeDetectsSilentLoss(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	s := NewSwitch(SwitchConfig{
		Distributed:   newStubBackend(),
		Ready:         up.Load,
		Fallback:      newStubBackend(),
		ProbeInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	if got := s.Mode(); got != ModeDistributed {
		t.Fatalf("Mode() = %v, want %v", got, ModeDistributed)
	}

	up.Store(false)
	waitForMode(t, s, ModeFallback)
}

func TestSwitchSubscribeReceivesFromBothVariants(t *testing.T) {
	dist := newStubBackend()
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{
		Distributed: dist,
		Ready:       func() bool { return true },
		Fallback:    local,
		Logger:      testLogger(),
	})
	s.Start(context.Background())
	defer s.Close(context.Background())

	ch := ChannelFor("1")
	sub, err := s.Subscribe(context.Background(), ch)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fromBroker := model.CounterChange{VehicleID: "1", Count: 7}
	if err := dist.Publish(context.Background(), ch, fromBroker); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := recvChange(t, sub); got != fromBroker {
		t.Fatalf("got %+v, want %+v", got, fromBroker)
	}

	fromLocal := model.CounterChange{VehicleID: "1", Count: 8}
	if err := local.Publish(context.Background(), ch, fromLocal); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := recvChange(t, sub); got != fromLocal {
		t.Fatalf("got %+v, want %+v", got, fromLocal)
	}
}

func TestSwitchWithoutBrokerConfigured(t *testing.T) {
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{Fallback: local, Logger: testLogger()})
	s.Start(context.Background())
	defer s.Close(context.Background())

	if got := s.Mode(); got != ModeFallback {
		t.Fatalf("Mode() = %v, want %v", got, ModeFallback)
	}

	sub, err := s.Subscribe(context.Background(), ChannelFor("9"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	want := model.CounterChange{VehicleID: "9", Count: 1}
	if err := s.Publish(context.Background(), ChannelFor("9"), want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := recvChange(t, sub); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSwitchClosedSubscriptionClosesLegs(t *testing.T) {
	local := newStubBackend()
	s := NewSwitch(SwitchConfig{Fallback: local, Logger: testLogger()})
	s.Start(context.Background())
	defer s.Close(context.Background())

	sub, err := s.Subscribe(context.Background(), ChannelFor("9"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	sub.Close()

	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatalf("received on closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("merged stream not closed")
	}
}
