// Package envelope turns raw bus payloads into validated Position records.
// Every failure path yields a DiscardReason instead of an error; unrelated
// traffic on the topic tree is expected and must not surface as a fault.
package envelope

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"beemap/go-telemetry-server/internal/model"
)

// DiscardReason classifies why a raw message did not become a Position.
type DiscardReason string

const (
	DiscardNone               DiscardReason = ""
	DiscardMalformedJSON      DiscardReason = "malformed-json"
	DiscardNoPayload          DiscardReason = "no-payload"
	DiscardInvalidCoordinates DiscardReason = "invalid-coordinates"
	DiscardMissingDeviceID    DiscardReason = "missing-device-id"
)

// Field names follow the ThingPark uplink convention and are case-sensitive.
const (
	fieldDevice = "DevEUI"
	fieldLat    = "DevLAT"
	fieldLon    = "DevLON"
	fieldRadius = "DevLocRadius"
)

type wireEnvelope struct {
	Location json.RawMessage `json:"DevEUI_location"`
	Uplink   json.RawMessage `json:"DevEUI_uplink"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Select parses raw and returns the inner envelope object, preferring the
// location-update shape over the uplink shape. A present but non-object
// inner value behaves like an object with no fields, matching the loose
// field access of the original wire consumers.
func Select(raw []byte) (map[string]any, DiscardReason) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, DiscardMalformedJSON
	}

	var chosen json.RawMessage
	switch {
	case present(env.Location):
		chosen = env.Location
	case present(env.Uplink):
		chosen = env.Uplink
	default:
		return nil, DiscardNoPayload
	}

	inner := make(map[string]any)
	if err := json.Unmarshal(chosen, &inner); err != nil {
		return map[string]any{}, DiscardNone
	}
	return inner, DiscardNone
}

// DeviceID extracts the device identifier from a selected envelope.
func DeviceID(inner map[string]any) (string, bool) {
	dev, ok := inner[fieldDevice].(string)
	if !ok || dev == "" {
		return "", false
	}
	return dev, true
}

// Decode validates raw against the two accepted envelope shapes and builds
// a Position. The receipt timestamp comes from now, never from the device
// payload.
func Decode(raw []byte, now func() time.Time) (model.Position, DiscardReason) {
	inner, reason := Select(raw)
	if reason != DiscardNone {
		return model.Position{}, reason
	}

	lat, latOK := number(inner[fieldLat])
	lon, lonOK := number(inner[fieldLon])
	if !latOK || !lonOK {
		return model.Position{}, DiscardInvalidCoordinates
	}

	dev, ok := DeviceID(inner)
	if !ok {
		return model.Position{}, DiscardMissingDeviceID
	}

	ts := now().UnixMilli()
	pos := model.Position{
		ID:           dev + "-" + strconv.FormatInt(ts, 10),
		DeviceID:     dev,
		Coordinates:  model.LatLng{Lat: lat, Lon: lon},
		ReceivedAt:   time.UnixMilli(ts).UTC().Format(time.RFC3339),
		ReceivedAtTs: ts,
	}

	if radius, ok := number(inner[fieldRadius]); ok && radius >= 0 {
		pos.AccuracyRadius = &radius
	}

	return pos, DiscardNone
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
