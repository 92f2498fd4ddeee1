package flight

import (
	"errors"
	"strings"
	"time"
)

// Kind is the canonical kind of a telemetry event
type Kind string

const (
	KindTakeoff Kind = "takeoff"
	KindLanding Kind = "landing"
)

var (
	ErrUnknownEvent    = errors.New("unknown telemetry event type")
	ErrMissingDeviceID = errors.New("telemetry event has no device id")
)

// Event is an inbound takeoff/landing notification from a tracker or ground station
type Event struct {
	Type      string     `json:"type"`
	DeviceID  string     `json:"deviceId"`
	Airfield  string     `json:"airfield"`
	ClubID    string     `json:"clubId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ParseKind maps an event type, including location-qualified variants such as
// "local_takeoff" or "ogn.landing", onto its canonical kind
func ParseKind(eventType string) (Kind, error) {
	t := strings.ToLower(strings.TrimSpace(eventType))
	for _, k := range []Kind{KindTakeoff, KindLanding} {
		name := string(k)
		if t == name || strings.HasSuffix(t, "_"+name) || strings.HasSuffix(t, "."+name) || strings.HasSuffix(t, "-"+name) {
			return k, nil
		}
	}
	return "", ErrUnknownEvent
}

// Validate checks the event carries enough to be correlated
func (e Event) Validate() (Kind, error) {
	kind, err := ParseKind(e.Type)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(e.DeviceID) == "" {
		return "", ErrMissingDeviceID
	}
	return kind, nil
}
