package flight

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidTransition is returned when a record is not in a state the transition accepts
var ErrInvalidTransition = errors.New("invalid flight transition")

// Transition describes one lifecycle move. It is the only way status and the
// takeoff/landing fields are changed together, both in memory (Apply) and in
// the store, which turns the same value into a single conditional update.
type Transition struct {
	From []Status // statuses the record may be in
	To   Status

	TakeoffTime     *time.Time
	TakeoffAirfield string
	LandingTime     *time.Time
	LandingAirfield string

	// DeviceID fills an empty device id on the matched record
	DeviceID string

	// ComputeDuration sets FlightDurationMinutes from the stored takeoff time
	ComputeDuration bool
}

// TakeoffAt moves a pending record into the air
func TakeoffAt(at time.Time, airfield, deviceID string) Transition {
	t := Stamp(at)
	return Transition{
		From:            []Status{StatusPending},
		To:              StatusInFlight,
		TakeoffTime:     &t,
		TakeoffAirfield: airfield,
		DeviceID:        deviceID,
	}
}

// LandingAt lands an airborne record and computes its duration
func LandingAt(at time.Time, airfield, deviceID string) Transition {
	t := Stamp(at)
	return Transition{
		From:            []Status{StatusInFlight},
		To:              StatusLanded,
		LandingTime:     &t,
		LandingAirfield: airfield,
		DeviceID:        deviceID,
		ComputeDuration: true,
	}
}

// LandingWithoutTakeoffAt lands a pending record whose takeoff was never observed
func LandingWithoutTakeoffAt(at time.Time, airfield, deviceID string) Transition {
	t := Stamp(at)
	return Transition{
		From:            []Status{StatusPending},
		To:              StatusLanded,
		LandingTime:     &t,
		LandingAirfield: airfield,
		DeviceID:        deviceID,
	}
}

// Accepts reports whether a record in status s may take this transition
func (t Transition) Accepts(s Status) bool {
	return slices.Contains(t.From, s)
}

// Apply performs the transition on r in memory
func (t Transition) Apply(r *FlightRecord) error {
	if r.Deleted {
		return fmt.Errorf("%w: flight %d is deleted", ErrInvalidTransition, r.ID)
	}
	if !t.Accepts(r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, t.To)
	}

	r.Status = t.To
	if t.TakeoffTime != nil {
		r.TakeoffTime = t.TakeoffTime
		r.TakeoffAirfield = t.TakeoffAirfield
	}
	if t.LandingTime != nil {
		r.LandingTime = t.LandingTime
		r.LandingAirfield = t.LandingAirfield
	}
	if r.DeviceID == "" {
		r.DeviceID = t.DeviceID
	}
	if t.ComputeDuration && r.TakeoffTime != nil && r.LandingTime != nil {
		minutes := DurationMinutes(*r.TakeoffTime, *r.LandingTime)
		r.FlightDurationMinutes = &minutes
	}
	return nil
}

// Stamp normalizes t to the millisecond UTC precision records are stored with
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// DurationMinutes is the whole number of minutes between takeoff and landing
func DurationMinutes(takeoff, landing time.Time) int {
	ms := landing.UnixMilli() - takeoff.UnixMilli()
	if ms < 0 {
		return 0
	}
	return int(ms / 60000)
}

// NewInFlight builds a record for a takeoff that matched nothing
func NewInFlight(id Identity, at time.Time, airfield string) (*FlightRecord, error) {
	r := newRecord(id, at)
	if err := TakeoffAt(at, airfield, id.DeviceID).Apply(r); err != nil {
		return nil, err
	}
	return r, nil
}

// NewLandingOnly builds a record for a landing that matched nothing
func NewLandingOnly(id Identity, at time.Time, airfield string) (*FlightRecord, error) {
	r := newRecord(id, at)
	if err := LandingWithoutTakeoffAt(at, airfield, id.DeviceID).Apply(r); err != nil {
		return nil, err
	}
	return r, nil
}

// NewPending builds a pre-registered record waiting for telemetry
func NewPending(r FlightRecord, at time.Time) *FlightRecord {
	r.ID = 0
	r.Status = StatusPending
	r.TakeoffTime, r.LandingTime = nil, nil
	r.TakeoffAirfield, r.LandingAirfield = "", ""
	r.FlightDurationMinutes = nil
	r.MaxAltitude, r.MaxSpeed, r.DistanceKm = nil, nil, nil
	r.Deleted = false
	r.PlaneStartCredited, r.PilotStartCredited, r.CoPilotStartCredited = false, false, false
	r.PlaneMinutesCredited = 0
	r.CreatedAt = Stamp(at)
	r.UpdatedAt = Stamp(at)
	return &r
}

func newRecord(id Identity, at time.Time) *FlightRecord {
	return &FlightRecord{
		ClubID:        id.ClubID,
		DeviceID:      id.DeviceID,
		Registration:  id.Registration,
		AircraftType:  id.AircraftType,
		CompetitionID: id.CompetitionID,
		PlaneID:       id.PlaneID,
		Status:        StatusPending,
		CreatedAt:     Stamp(at),
		UpdatedAt:     Stamp(at),
	}
}

// ApplyAssignment copies crew and launch method from a private assignment
func (f *FlightRecord) ApplyAssignment(a *PrivateAssignment) {
	if a == nil {
		return
	}
	f.PilotID = a.PilotID
	f.CoPilotID = a.CoPilotID
	f.IsSchoolFlight = a.IsSchoolFlight
	f.LaunchMethod = a.LaunchMethod
}
