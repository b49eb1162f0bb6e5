package service

import (
	"fmt"
	"sync"
	"time"
)

// EventStats keeps track of processed event counts
type EventStats struct {
	sync.Mutex
	ChangedCount  int
	NoopCount     int
	RejectedCount int
	UnknownCount  int
}

// NewEventStats starts the periodic summary logger
func NewEventStats() *EventStats {
	stats := &EventStats{}
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			stats.Lock()
			fmt.Printf("📊 Count changes: %d | No-ops: %d | Rejected: %d | Unknown vehicles: %d 🕒\n",
				stats.ChangedCount, stats.NoopCount, stats.RejectedCount, stats.UnknownCount)
			stats.Unlock()
		}
	}()
	return stats
}

// IncrementChanged counts events that moved a passenger count
func (s *EventStats) IncrementChanged() {
	s.Lock()
	s.ChangedCount++
	s.Unlock()
}

// IncrementNoop counts duplicate and not-present events
func (s *EventStats) IncrementNoop() {
	s.Lock()
	s.NoopCount++
	s.Unlock()
}

// IncrementRejected counts events that failed boundary validation
func (s *EventStats) IncrementRejected() {
	s.Lock()
	s.RejectedCount++
	s.Unlock()
}

// IncrementUnknown counts events naming unregistered vehicles
func (s *EventStats) IncrementUnknown() {
	s.Lock()
	s.UnknownCount++
	s.Unlock()
}
