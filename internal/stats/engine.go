package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/physics"
	"github.com/yegors/flightlog/pkg/logger"
)

// minPoints is the smallest series statistics are computed for
const minPoints = 2

// TelemetrySource provides the telemetry series of a flight
type TelemetrySource interface {
	PointsForFlight(ctx context.Context, flightID int64) ([]flight.TelemetryPoint, error)
	PointsForDevice(ctx context.Context, deviceID string, from, to *time.Time) ([]flight.TelemetryPoint, error)
}

// FlightSource loads a flight record
type FlightSource interface {
	GetFlight(ctx context.Context, id int64) (*flight.FlightRecord, error)
}

// Result holds the derived statistics of a flight. The numeric fields are nil
// when OK is false.
type Result struct {
	MaxAltitude *float64 `json:"maxAltitude"`
	MaxSpeed    *float64 `json:"maxSpeed"` // km/h
	DistanceKm  *float64 `json:"distanceKm"`
	OK          bool     `json:"ok"`
	Points      int      `json:"points"`
}

// Engine computes flight statistics from recorded telemetry
type Engine struct {
	telemetry TelemetrySource
	flights   FlightSource
	logger    *logger.Logger
}

// NewEngine creates a statistics engine
func NewEngine(telemetry TelemetrySource, flights FlightSource, log *logger.Logger) *Engine {
	return &Engine{
		telemetry: telemetry,
		flights:   flights,
		logger:    log.Named("stats"),
	}
}

// Compute loads the telemetry of a flight and summarizes it. Too little
// telemetry is not an error: the result comes back with OK=false.
func (e *Engine) Compute(ctx context.Context, flightID int64) (Result, error) {
	points, err := e.telemetry.PointsForFlight(ctx, flightID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load telemetry for flight %d: %w", flightID, err)
	}

	if len(points) < minPoints {
		f, err := e.flights.GetFlight(ctx, flightID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load flight %d: %w", flightID, err)
		}
		if f.DeviceID != "" {
			byDevice, err := e.telemetry.PointsForDevice(ctx, f.DeviceID, f.TakeoffTime, f.LandingTime)
			if err != nil {
				return Result{}, fmt.Errorf("failed to load telemetry for device %s: %w", f.DeviceID, err)
			}
			e.logger.Debug("Fell back to device telemetry",
				logger.Int64("flight_id", flightID),
				logger.String("device_id", f.DeviceID),
				logger.Int("points", len(byDevice)))
			points = byDevice
		}
	}

	return Summarize(points), nil
}

// Summarize computes peak altitude, peak ground speed and the distance flown
// over a series of fixes. Fixes without coordinates are skipped for distance
// without resetting the sum.
func Summarize(points []flight.TelemetryPoint) Result {
	if len(points) < minPoints {
		return Result{Points: len(points)}
	}

	sorted := make([]flight.TelemetryPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var maxAlt, maxKnots, distance float64
	var haveAlt, haveSpeed bool
	var prev *flight.TelemetryPoint
	for i := range sorted {
		p := &sorted[i]
		if p.Altitude != nil && (!haveAlt || *p.Altitude > maxAlt) {
			maxAlt, haveAlt = *p.Altitude, true
		}
		if p.GroundSpeed != nil && (!haveSpeed || *p.GroundSpeed > maxKnots) {
			maxKnots, haveSpeed = *p.GroundSpeed, true
		}
		if !p.HasPosition() {
			continue
		}
		if prev != nil {
			distance += physics.HaversineKm(*prev.Latitude, *prev.Longitude, *p.Latitude, *p.Longitude)
		}
		prev = p
	}

	alt := physics.Round1(maxAlt)
	speed := physics.Round1(physics.KnotsToKilometresPerHour(maxKnots))
	dist := physics.Round1(distance)
	return Result{
		MaxAltitude: &alt,
		MaxSpeed:    &speed,
		DistanceKm:  &dist,
		OK:          true,
		Points:      len(sorted),
	}
}
