package model

import (
	"errors"
	"time"
)

// Sentinel errors shared by the storage, tracking and API layers.
var (
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrVehicleExists   = errors.New("vehicle already exists")
)

// Outcome classifies the effect of applying a DeviceEvent.
type Outcome string

const (
	OutcomeAdded          Outcome = "added"
	OutcomeRemoved        Outcome = "removed"
	OutcomeAlreadyPresent Outcome = "already present"
	OutcomeNotPresent     Outcome = "not present"
)

// StateChanged reports whether the outcome mutated the device set.
// Only state-changing outcomes store a new count and publish it.
func (o Outcome) StateChanged() bool {
	return o == OutcomeAdded || o == OutcomeRemoved
}

// DeviceEvent is one presence transition reported by a scanner:
// a device entered (Present=true) or left (Present=false) a vehicle.
// Payload carries the scanner's opaque measurement data (rssi, distance,
// name, ...) and is stored with the membership, never interpreted.
type DeviceEvent struct {
	VehicleID string         `json:"vehicle_id"`
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"data,omitempty"`
	Present   bool           `json:"present"`
}

// ApplyResult is what the ingest boundary returns to callers.
type ApplyResult struct {
	Outcome Outcome `json:"outcome"`
	Count   int     `json:"count"`
}

// CounterChange is the frame published on a vehicle's channel and relayed
// to every connected viewer. The first frame after connect carries the
// snapshot; all later frames carry live changes in order.
type CounterChange struct {
	VehicleID string `json:"vehicle_id"`
	Count     int    `json:"count"`
}

// Vehicle is one durable row: the tracked entity, its present devices
// (keyed by device id, value = last reported payload) and its counter.
type Vehicle struct {
	VehicleID string         `json:"vehicle_id"`
	Devices   map[string]any `json:"devices"`
	Count     int            `json:"count"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DeviceIDs returns the ids of the currently present devices.
func (v Vehicle) DeviceIDs() []string {
	ids := make([]string, 0, len(v.Devices))
	for id := range v.Devices {
		ids = append(ids, id)
	}
	return ids
}
