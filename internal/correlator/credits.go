package correlator

import (
	"context"
	"time"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/pkg/logger"
)

// creditStarts increments the plane and crew start counters of a flight
// that just took off. The co-pilot only gets a start on a school flight.
// Failures are logged; only counters that were incremented are recorded on
// the flight.
func (s *Service) creditStarts(ctx context.Context, f *flight.FlightRecord) {
	changed := false
	if f.PlaneID != "" && !f.PlaneStartCredited {
		if s.addCounter(ctx, "plane_starts", f.PlaneID, 1, s.counters.AddPlaneStarts) {
			f.PlaneStartCredited = true
			changed = true
		}
	}
	if f.PilotID != "" && !f.PilotStartCredited {
		if s.addCounter(ctx, "pilot_starts", f.PilotID, 1, s.counters.AddPilotStarts) {
			f.PilotStartCredited = true
			changed = true
		}
	}
	if f.CoPilotID != "" && f.IsSchoolFlight && !f.CoPilotStartCredited {
		if s.addCounter(ctx, "co_pilot_starts", f.CoPilotID, 1, s.counters.AddPilotStarts) {
			f.CoPilotStartCredited = true
			changed = true
		}
	}
	if changed {
		s.saveCredits(ctx, f)
	}
}

// creditMinutes adds the duration of a landed flight to its plane
func (s *Service) creditMinutes(ctx context.Context, f *flight.FlightRecord) {
	if f.PlaneID == "" || f.FlightDurationMinutes == nil || *f.FlightDurationMinutes <= 0 || f.PlaneMinutesCredited > 0 {
		return
	}
	minutes := *f.FlightDurationMinutes
	if s.addCounter(ctx, "plane_flight_minutes", f.PlaneID, minutes, s.counters.AddPlaneFlightMinutes) {
		f.PlaneMinutesCredited = minutes
		s.saveCredits(ctx, f)
	}
}

// reverseCredits undoes exactly the counters recorded on a deleted flight
func (s *Service) reverseCredits(ctx context.Context, f *flight.FlightRecord) {
	changed := false
	if f.PlaneStartCredited && s.addCounter(ctx, "plane_starts", f.PlaneID, -1, s.counters.AddPlaneStarts) {
		f.PlaneStartCredited = false
		changed = true
	}
	if f.PilotStartCredited && s.addCounter(ctx, "pilot_starts", f.PilotID, -1, s.counters.AddPilotStarts) {
		f.PilotStartCredited = false
		changed = true
	}
	if f.CoPilotStartCredited && s.addCounter(ctx, "co_pilot_starts", f.CoPilotID, -1, s.counters.AddPilotStarts) {
		f.CoPilotStartCredited = false
		changed = true
	}
	if f.PlaneMinutesCredited > 0 && s.addCounter(ctx, "plane_flight_minutes", f.PlaneID, -f.PlaneMinutesCredited, s.counters.AddPlaneFlightMinutes) {
		f.PlaneMinutesCredited = 0
		changed = true
	}
	if changed {
		s.saveCredits(ctx, f)
	}
}

func (s *Service) addCounter(ctx context.Context, counter, id string, delta int, add func(context.Context, string, int) error) bool {
	if s.counters == nil {
		return false
	}
	if err := add(ctx, id, delta); err != nil {
		s.metrics.CounterFailed(counter)
		s.logger.Warn("Failed to update counter",
			logger.String("counter", counter),
			logger.String("id", id),
			logger.Int("delta", delta),
			logger.Error(err))
		return false
	}
	return true
}

func (s *Service) saveCredits(ctx context.Context, f *flight.FlightRecord) {
	if err := s.flights.SaveCredits(ctx, f); err != nil {
		s.logger.Warn("Failed to record counter credits",
			logger.Int64("flight_id", f.ID),
			logger.Error(err))
	}
}

// computeStatistics derives the statistics of a landed flight in the
// background. It runs on its own context so the caller returning does not
// cancel it; results are stored only when there was enough telemetry.
func (s *Service) computeStatistics(flightID int64) {
	if s.statistics == nil {
		return
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.StatisticsTimeout)
		defer cancel()

		start := time.Now()
		res, err := s.statistics.Compute(ctx, flightID)
		if err != nil {
			s.metrics.StatisticsComputed("error")
			s.logger.Warn("Failed to compute flight statistics",
				logger.Int64("flight_id", flightID),
				logger.Error(err))
			return
		}
		if !res.OK {
			s.metrics.StatisticsComputed("insufficient_data")
			s.logger.Debug("Not enough telemetry for flight statistics",
				logger.Int64("flight_id", flightID),
				logger.Int("points", res.Points))
			return
		}

		if err := s.flights.SaveStatistics(ctx, flightID, res.MaxAltitude, res.MaxSpeed, res.DistanceKm); err != nil {
			s.metrics.StatisticsComputed("error")
			s.logger.Warn("Failed to save flight statistics",
				logger.Int64("flight_id", flightID),
				logger.Error(err))
			return
		}
		s.metrics.StatisticsComputed("ok")
		s.logger.Debug("Flight statistics saved",
			logger.Int64("flight_id", flightID),
			logger.Int("points", res.Points),
			logger.Duration("took", time.Since(start)))

		if f, err := s.flights.GetFlight(ctx, flightID); err == nil {
			s.notify(f, "statistics", false)
		}
	}()
}
