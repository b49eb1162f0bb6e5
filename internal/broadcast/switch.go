package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"paxcount/internal/model"
	"paxcount/internal/monitor"
)

// Mode identifies which backend variant the switch is routing publishes to.
type Mode string

const (
	ModeDistributed Mode = "distributed"
	ModeFallback    Mode = "fallback"
)

// SwitchConfig configures the backend selector.
type SwitchConfig struct {
	// Distributed is the broker-backed variant. Nil means none is
	// configured and the switch stays in fallback mode for its lifetime.
	Distributed Backend
	// Ready reports whether the distributed variant currently has a broker
	// connection. The probe loop uses it as the explicit reconnect check.
	Ready func() bool
	// Fallback is the in-process variant. Required.
	Fallback Backend
	// ProbeInterval is how often connectivity is rechecked. Default 15s.
	ProbeInterval time.Duration

	Logger *zap.SugaredLogger
}

// Switch routes publishes to exactly one backend variant at a time and
// merges both variants into every subscription. The mode is process-wide
// state: picked once at startup, demoted to fallback automatically when the
// broker becomes unreachable, and promoted back only after the periodic
// probe confirms the connection is re-established — a failed publish never
// flips it back on its own, so the mode cannot flap.
type Switch struct {
	distributed Backend
	ready       func() bool
	fallback    Backend
	probeEvery  time.Duration
	logger      *zap.SugaredLogger

	mu     sync.RWMutex
	mode   Mode
	closed bool

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

var _ Backend = (*Switch)(nil)

// NewSwitch builds the selector. Call Start to pick the initial mode and
// begin probing.
func NewSwitch(cfg SwitchConfig) *Switch {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return false }
	}
	return &Switch{
		distributed:  cfg.Distributed,
		ready:        ready,
		fallback:     cfg.Fallback,
		probeEvery:   cfg.ProbeInterval,
		logger:       cfg.Logger,
		mode:         ModeFallback,
		shutdownChan: make(chan struct{}),
	}
}

// Start picks the initial mode and launches the connectivity probe.
func (s *Switch) Start(ctx context.Context) {
	if s.distributed != nil && s.ready() {
		s.setMode(ModeDistributed, "broker reachable at startup")
	} else if s.distributed != nil {
		s.setMode(ModeFallback, "broker unreachable at startup")
	} else {
		s.setMode(ModeFallback, "no broker configured")
	}

	if s.distributed == nil {
		return // nothing to probe
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.probeEvery)
		defer ticker.Stop()

		for {
			select {
			case <-s.shutdownChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probe()
			}
		}
	}()
}

// probe is the explicit reconnect check: it promotes fallback back to
// distributed only on confirmed connectivity, and demotes a silently dead
// broker connection even when no publish has surfaced the loss.
func (s *Switch) probe() {
	up := s.ready()
	switch s.Mode() {
	case ModeFallback:
		if up {
			s.setMode(ModeDistributed, "broker connection re-established")
		}
	case ModeDistributed:
		if !up {
			s.setMode(ModeFallback, "broker connection lost")
		}
	}
}

// Mode returns the currently active variant.
func (s *Switch) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Switch) setMode(mode Mode, reason string) {
	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	s.mu.Unlock()

	if mode == ModeDistributed {
		monitor.BroadcastDistributed.Set(1)
		s.logger.Infow("broadcast mode changed", "mode", mode, "reason", reason)
	} else {
		monitor.BroadcastDistributed.Set(0)
		s.logger.Warnw("broadcast mode changed", "mode", mode, "reason", reason)
	}
}

// Publish routes the change to the active variant. A distributed publish
// failure demotes the switch and re-emits the change on the fallback so
// local viewers still observe it.
func (s *Switch) Publish(ctx context.Context, channel string, chg model.CounterChange) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrBackendClosed
	}
	mode := s.mode
	s.mu.RUnlock()

	if mode == ModeDistributed {
		err := s.distributed.Publish(ctx, channel, chg)
		if err == nil {
			monitor.PublishesTotal.WithLabelValues(string(ModeDistributed)).Inc()
			return nil
		}
		if errors.Is(err, ErrBackendClosed) {
			return err
		}
		s.logger.Warnw("distributed publish failed, switching to fallback", "channel", channel, "error", err)
		s.setMode(ModeFallback, "publish failed")
	}

	if err := s.fallback.Publish(ctx, channel, chg); err != nil {
		return err
	}
	monitor.PublishesTotal.WithLabelValues(string(ModeFallback)).Inc()
	return nil
}

// Subscribe attaches one leg per variant and merges them into a single
// stream. Publishes only ever go to one variant at a time, so the merged
// stream sees each change once: fallback frames during outage windows,
// broker frames otherwise.
func (s *Switch) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrBackendClosed
	}

	legs := make([]*Subscription, 0, 2)
	if s.distributed != nil {
		if leg, err := s.distributed.Subscribe(ctx, channel); err == nil {
			legs = append(legs, leg)
		} else if !errors.Is(err, ErrBackendClosed) {
			s.logger.Warnw("distributed subscribe failed, serving fallback only", "channel", channel, "error", err)
		}
	}

	leg, err := s.fallback.Subscribe(ctx, channel)
	if err != nil {
		for _, l := range legs {
			l.Close()
		}
		return nil, err
	}
	legs = append(legs, leg)

	merged := newSubscription(func() {
		for _, l := range legs {
			l.Close()
		}
	})

	var forwarders sync.WaitGroup
	for _, l := range legs {
		forwarders.Add(1)
		go func(l *Subscription) {
			defer forwarders.Done()
			for chg := range l.Updates() {
				if !merged.deliver(chg) {
					monitor.SubscribersDropped.Inc()
					merged.Close()
					return
				}
			}
		}(l)
	}
	go func() {
		// Both legs gone (backend shutdown or drop) ends the merged stream.
		forwarders.Wait()
		merged.Close()
	}()

	return merged, nil
}

// Close tears down the probe and both variants.
func (s *Switch) Close(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.shutdownChan)
		s.wg.Wait()

		if cerr := s.fallback.Close(ctx); cerr != nil {
			err = cerr
		}
		if s.distributed != nil {
			if cerr := s.distributed.Close(ctx); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.logger.Infow("broadcast switch shut down")
	})
	return err
}
