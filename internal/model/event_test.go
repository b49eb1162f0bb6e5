package model

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestParseDeviceEvent(t *testing.T) {
	raw := []byte(`{"vehicle_id":"42","device_id":"ab:cd","data":{"rssi":-61,"distance":1.4,"name":"iPhone"},"present":true}`)

	ev, err := ParseDeviceEvent(raw)
	if err != nil {
		t.Fatalf("ParseDeviceEvent: %v", err)
	}
	if ev.VehicleID != "42" {
		t.Errorf("VehicleID = %q, want %q", ev.VehicleID, "42")
	}
	if ev.DeviceID != "ab:cd" {
		t.Errorf("DeviceID = %q, want %q", ev.DeviceID, "ab:cd")
	}
	if !ev.Present {
		t.Error("Present = false, want true")
	}
	if ev.Payload["name"] != "iPhone" {
		t.Errorf("Payload[name] = %v, want iPhone", ev.Payload["name"])
	}
}

func TestParseDeviceEventFoldsUnknownKeys(t *testing.T) {
	raw := []byte(`{"vehicle_id":"42","device_id":"d1","present":false,"rssi":-70,"tx_power":-59}`)

	ev, err := ParseDeviceEvent(raw)
	if err != nil {
		t.Fatalf("ParseDeviceEvent: %v", err)
	}
	if ev.Present {
		t.Error("Present = true, want false")
	}
	if ev.Payload["rssi"] != float64(-70) {
		t.Errorf("Payload[rssi] = %v, want -70", ev.Payload["rssi"])
	}
	if ev.Payload["tx_power"] != float64(-59) {
		t.Errorf("Payload[tx_power] = %v, want -59", ev.Payload["tx_power"])
	}
}

func TestParseDeviceEventMergesDataAndUnknownKeys(t *testing.T) {
	raw := []byte(`{"vehicle_id":"42","device_id":"d1","present":true,"data":{"rssi":-61},"tx_power":-59}`)

	ev, err := ParseDeviceEvent(raw)
	if err != nil {
		t.Fatalf("ParseDeviceEvent: %v", err)
	}
	if ev.Payload["rssi"] != float64(-61) {
		t.Errorf("Payload[rssi] = %v, want -61", ev.Payload["rssi"])
	}
	if ev.Payload["tx_power"] != float64(-59) {
		t.Errorf("Payload[tx_power] = %v, want -59", ev.Payload["tx_power"])
	}
}

func TestParseDeviceEventRejectsMissingIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"no vehicle", `{"device_id":"d1","present":true}`, ErrMissingVehicleID},
		{"empty vehicle", `{"vehicle_id":"","device_id":"d1","present":true}`, ErrMissingVehicleID},
		{"no device", `{"vehicle_id":"42","present":true}`, ErrMissingDeviceID},
		{"wrong type", `{"vehicle_id":7,"device_id":"d1","present":true}`, ErrMissingVehicleID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDeviceEvent([]byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseDeviceEventMalformedJSON(t *testing.T) {
	if _, err := ParseDeviceEvent([]byte(`{"vehicle_id":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestCounterChangeCodecRoundTrip(t *testing.T) {
	raw, err := EncodeCounterChange(CounterChange{VehicleID: "42", Count: 3})
	if err != nil {
		t.Fatalf("EncodeCounterChange: %v", err)
	}
	if !strings.Contains(string(raw), `"vehicle_id":"42"`) {
		t.Errorf("frame = %s, want vehicle_id field", raw)
	}

	chg, err := DecodeCounterChange(raw)
	if err != nil {
		t.Fatalf("DecodeCounterChange: %v", err)
	}
	if chg.VehicleID != "42" || chg.Count != 3 {
		t.Errorf("decoded = %+v, want {42 3}", chg)
	}
}

func TestMarshalPayloadCleansNonFiniteValues(t *testing.T) {
	raw, err := MarshalPayload(map[string]any{
		"distance": math.Inf(1),
		"rssi":     math.NaN(),
		"nested":   map[string]any{"d": math.Inf(-1)},
		"name":     "iPhone",
	})
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	s := string(raw)
	if strings.Contains(s, "Inf") || strings.Contains(s, "NaN") {
		t.Errorf("payload still carries non-finite values: %s", s)
	}
	if !strings.Contains(s, `"name":"iPhone"`) {
		t.Errorf("payload lost finite values: %s", s)
	}
}

func TestOutcomeStateChanged(t *testing.T) {
	for _, o := range []Outcome{OutcomeAdded, OutcomeRemoved} {
		if !o.StateChanged() {
			t.Errorf("%q.StateChanged() = false, want true", o)
		}
	}
	for _, o := range []Outcome{OutcomeAlreadyPresent, OutcomeNotPresent} {
		if o.StateChanged() {
			t.Errorf("%q.StateChanged() = true, want false", o)
		}
	}
}
