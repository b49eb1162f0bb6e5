package model

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonFast = jsoniter.ConfigFastest

// Boundary validation errors. Events failing here never reach the core.
var (
	ErrMissingVehicleID = errors.New("device event: missing vehicle_id")
	ErrMissingDeviceID  = errors.New("device event: missing device_id")
)

// ParseDeviceEvent decodes a scanner event from its wire form:
//
//	{"vehicle_id": "42", "device_id": "ab:cd", "data": {...}, "present": true}
//
// It is the typed boundary for the counter core: ids are required, the
// presence flag defaults to false when absent, and any unknown top-level
// keys are folded into the opaque payload so older scanner builds that
// inline their measurements keep working.
func ParseDeviceEvent(raw []byte) (DeviceEvent, error) {
	var fields map[string]any
	if err := jsonFast.Unmarshal(raw, &fields); err != nil {
		return DeviceEvent{}, fmt.Errorf("decode device event: %w", err)
	}

	var ev DeviceEvent
	var extra map[string]any
	for k, v := range fields {
		switch k {
		case "vehicle_id":
			if s, ok := v.(string); ok {
				ev.VehicleID = s
			}
		case "device_id":
			if s, ok := v.(string); ok {
				ev.DeviceID = s
			}
		case "present":
			if b, ok := v.(bool); ok {
				ev.Present = b
			}
		case "data":
			if m, ok := v.(map[string]any); ok {
				ev.Payload = m
			}
		default:
			if extra == nil {
				extra = make(map[string]any)
			}
			extra[k] = v
		}
	}
	if extra != nil {
		if ev.Payload == nil {
			ev.Payload = extra
		} else {
			for k, v := range extra {
				ev.Payload[k] = v
			}
		}
	}

	if ev.VehicleID == "" {
		return DeviceEvent{}, ErrMissingVehicleID
	}
	if ev.DeviceID == "" {
		return DeviceEvent{}, ErrMissingDeviceID
	}
	return ev, nil
}

// EncodeCounterChange marshals the frame shared by the broadcast channel
// and the viewer feed.
func EncodeCounterChange(chg CounterChange) ([]byte, error) {
	return jsonFast.Marshal(chg)
}

// DecodeCounterChange is the inverse of EncodeCounterChange.
func DecodeCounterChange(raw []byte) (CounterChange, error) {
	var chg CounterChange
	if err := jsonFast.Unmarshal(raw, &chg); err != nil {
		return CounterChange{}, fmt.Errorf("decode counter change: %w", err)
	}
	return chg, nil
}
