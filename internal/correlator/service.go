// Package correlator matches takeoff and landing events to flight records
// and keeps the per-plane and per-pilot counters in step with them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/internal/stats"
	"github.com/yegors/flightlog/internal/storage"
	"github.com/yegors/flightlog/internal/websocket"
	"github.com/yegors/flightlog/pkg/logger"
)

var (
	// ErrRetryable wraps persistence failures of a transition. The event was
	// not applied and may be submitted again.
	ErrRetryable = errors.New("retryable persistence failure")
	// ErrFlightNotFound is returned by manual operations on an unknown flight id
	ErrFlightNotFound = errors.New("flight not found")
	// ErrMissingIdentity is returned for a pending flight nothing could match
	ErrMissingIdentity = errors.New("pending flight needs a device id, registration or plane id")
)

// FlightStore persists flight records
type FlightStore interface {
	CreateFlight(ctx context.Context, f *flight.FlightRecord) error
	GetFlight(ctx context.Context, id int64) (*flight.FlightRecord, error)
	ClaimOldest(ctx context.Context, field storage.MatchField, value string, t flight.Transition) (*flight.FlightRecord, error)
	ApplyTransition(ctx context.Context, id int64, t flight.Transition) (*flight.FlightRecord, error)
	FindInFlightByDevice(ctx context.Context, deviceID string) (*flight.FlightRecord, error)
	FindRecentLanding(ctx context.Context, deviceID string, since time.Time) (*flight.FlightRecord, error)
	SoftDelete(ctx context.Context, id int64) (*flight.FlightRecord, bool, error)
	SaveStatistics(ctx context.Context, id int64, maxAltitude, maxSpeed, distanceKm *float64) error
	SaveCredits(ctx context.Context, f *flight.FlightRecord) error
}

// CounterStore applies atomic deltas to the cumulative counters
type CounterStore interface {
	AddPlaneStarts(ctx context.Context, planeID string, delta int) error
	AddPlaneFlightMinutes(ctx context.Context, planeID string, delta int) error
	AddPilotStarts(ctx context.Context, pilotID string, delta int) error
}

// AssignmentStore looks up same-day private assignments
type AssignmentStore interface {
	PrivateAssignment(ctx context.Context, planeID, clubID, date string) (*flight.PrivateAssignment, error)
}

// Resolver maps a raw device id to an aircraft identity
type Resolver interface {
	Resolve(ctx context.Context, deviceID, clubID string) flight.Identity
}

// StatisticsEngine computes derived flight statistics
type StatisticsEngine interface {
	Compute(ctx context.Context, flightID int64) (stats.Result, error)
}

// Broadcaster pushes notifications to live subscribers
type Broadcaster interface {
	Broadcast(msg *websocket.Message, channel string) int
}

// Dependencies groups the collaborators of the service
type Dependencies struct {
	Flights     FlightStore
	Counters    CounterStore
	Assignments AssignmentStore
	Resolver    Resolver
	Statistics  StatisticsEngine
	Broadcaster Broadcaster
}

// Config holds correlation settings
type Config struct {
	StatisticsTimeout      time.Duration // bound for one detached statistics computation
	DuplicateLandingWindow time.Duration // 0 disables duplicate landing suppression
	DefaultClubID          string
	Location               *time.Location // zone of the club day private assignments are keyed by
}

// Result describes what a takeoff or landing did
type Result struct {
	Flight      *flight.FlightRecord `json:"flight"`
	Kind        flight.Kind          `json:"kind"`
	IsNewFlight bool                 `json:"isNewFlight"`
	Duplicate   bool                 `json:"duplicate"`
	MatchedBy   storage.MatchField   `json:"matchedBy,omitempty"`
	Identity    flight.Identity      `json:"identity"`
}

// Service is the flight correlator
type Service struct {
	flights     FlightStore
	counters    CounterStore
	assignments AssignmentStore
	resolver    Resolver
	statistics  StatisticsEngine
	broadcaster Broadcaster

	config  Config
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time

	tasks sync.WaitGroup
}

// NewService creates a correlator
func NewService(deps Dependencies, config Config, m *metrics.Metrics, log *logger.Logger) *Service {
	if config.StatisticsTimeout <= 0 {
		config.StatisticsTimeout = 30 * time.Second
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Service{
		flights:     deps.Flights,
		counters:    deps.Counters,
		assignments: deps.Assignments,
		resolver:    deps.Resolver,
		statistics:  deps.Statistics,
		broadcaster: deps.Broadcaster,
		config:      config,
		metrics:     m,
		logger:      log.Named("correlator"),
		now:         time.Now,
	}
}

// Wait blocks until every detached statistics computation has finished
func (s *Service) Wait() {
	s.tasks.Wait()
}

// HandleEvent validates a telemetry event, relays it to subscribers and
// dispatches it to Takeoff or Landing
func (s *Service) HandleEvent(ctx context.Context, ev flight.Event) (*Result, error) {
	kind, err := ev.Validate()
	if err != nil {
		s.metrics.EventProcessed("invalid", "rejected")
		return nil, err
	}

	s.broadcast(&websocket.Message{Type: websocket.MessageTypeWebhook, Event: string(kind), Data: ev}, "")

	at := s.now()
	if ev.Timestamp != nil && !ev.Timestamp.IsZero() {
		at = *ev.Timestamp
	}
	clubID := strings.TrimSpace(ev.ClubID)
	if clubID == "" {
		clubID = s.config.DefaultClubID
	}
	airfield := strings.TrimSpace(ev.Airfield)

	var result *Result
	switch kind {
	case flight.KindTakeoff:
		result, err = s.Takeoff(ctx, ev.DeviceID, airfield, clubID, at)
	default:
		result, err = s.Landing(ctx, ev.DeviceID, airfield, clubID, at)
	}
	if err != nil {
		s.metrics.EventProcessed(string(kind), "error")
		return nil, err
	}
	s.metrics.EventProcessed(string(kind), outcome(result))
	return result, nil
}

func outcome(r *Result) string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.IsNewFlight:
		return "created"
	default:
		return "matched"
	}
}

// Takeoff records a takeoff of deviceID at airfield. A pending record is
// claimed by device id, registration and plane id in that order, oldest
// first; otherwise a new airborne record is created. A device that is
// already airborne yields its existing record as a duplicate.
func (s *Service) Takeoff(ctx context.Context, deviceID, airfield, clubID string, at time.Time) (*Result, error) {
	id := s.resolver.Resolve(ctx, deviceID, clubID)
	result := &Result{Kind: flight.KindTakeoff, Identity: id}

	if existing, err := s.flights.FindInFlightByDevice(ctx, id.DeviceID); err == nil {
		return s.duplicateTakeoff(result, existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: checking airborne flight of %s: %w", ErrRetryable, id.DeviceID, err)
	}

	f, field, err := s.claim(ctx, flight.TakeoffAt(at, airfield, id.DeviceID),
		match{storage.MatchDevice, id.DeviceID},
		match{storage.MatchRegistration, matchRegistration(id)},
		match{storage.MatchPlane, id.PlaneID})
	if errors.Is(err, storage.ErrConflict) {
		return s.racedTakeoff(ctx, result)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claiming pending flight: %w", ErrRetryable, err)
	}
	result.Flight, result.MatchedBy = f, field

	if result.Flight == nil {
		f, err = flight.NewInFlight(id, at, airfield)
		if err != nil {
			return nil, err
		}
		s.applyAssignment(ctx, f, id, at)
		if err := s.flights.CreateFlight(ctx, f); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return s.racedTakeoff(ctx, result)
			}
			return nil, fmt.Errorf("%w: creating flight: %w", ErrRetryable, err)
		}
		result.Flight = f
		result.IsNewFlight = true
	}

	s.creditStarts(ctx, result.Flight)

	s.logger.Info("Takeoff recorded",
		logger.Int64("flight_id", result.Flight.ID),
		logger.String("device_id", id.DeviceID),
		logger.String("registration", result.Flight.Registration),
		logger.String("airfield", airfield),
		logger.String("matched_by", string(result.MatchedBy)),
		logger.Bool("new_flight", result.IsNewFlight))

	s.notify(result.Flight, string(flight.KindTakeoff), result.IsNewFlight)
	return result, nil
}

// Landing records a landing of deviceID at airfield. An airborne record is
// landed by device id or registration; otherwise a pending record is landed
// without a takeoff; otherwise a landing-only record is created.
func (s *Service) Landing(ctx context.Context, deviceID, airfield, clubID string, at time.Time) (*Result, error) {
	id := s.resolver.Resolve(ctx, deviceID, clubID)
	result := &Result{Kind: flight.KindLanding, Identity: id}

	f, field, err := s.claim(ctx, flight.LandingAt(at, airfield, id.DeviceID),
		match{storage.MatchDevice, id.DeviceID},
		match{storage.MatchRegistration, matchRegistration(id)})
	if err != nil {
		return nil, fmt.Errorf("%w: claiming airborne flight: %w", ErrRetryable, err)
	}
	if f != nil {
		result.Flight, result.MatchedBy = f, field
		s.creditMinutes(ctx, f)
		s.landed(result, airfield)
		s.computeStatistics(f.ID)
		return result, nil
	}

	if dup, err := s.recentLanding(ctx, id.DeviceID, at); err != nil {
		return nil, err
	} else if dup != nil {
		result.Flight = dup
		result.Duplicate = true
		s.logger.Info("Duplicate landing ignored",
			logger.Int64("flight_id", dup.ID),
			logger.String("device_id", id.DeviceID))
		return result, nil
	}

	f, field, err = s.claim(ctx, flight.LandingWithoutTakeoffAt(at, airfield, id.DeviceID),
		match{storage.MatchDevice, id.DeviceID},
		match{storage.MatchRegistration, matchRegistration(id)},
		match{storage.MatchPlane, id.PlaneID})
	if err != nil {
		return nil, fmt.Errorf("%w: claiming pending flight: %w", ErrRetryable, err)
	}
	if f != nil {
		result.Flight, result.MatchedBy = f, field
		return s.landed(result, airfield), nil
	}

	f, err = flight.NewLandingOnly(id, at, airfield)
	if err != nil {
		return nil, err
	}
	if err := s.flights.CreateFlight(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: creating landing-only flight: %w", ErrRetryable, err)
	}
	result.Flight = f
	result.IsNewFlight = true
	return s.landed(result, airfield), nil
}

// matchRegistration is the registration records may be matched on. A
// synthesized fallback registration identifies nothing.
func matchRegistration(id flight.Identity) string {
	if id.Source == flight.SourceFallback {
		return ""
	}
	return id.Registration
}

type match struct {
	field storage.MatchField
	value string
}

// claim tries each match in order and returns the first record t was
// applied to. No match is not an error: the record comes back nil.
func (s *Service) claim(ctx context.Context, t flight.Transition, matches ...match) (*flight.FlightRecord, storage.MatchField, error) {
	for _, m := range matches {
		f, err := s.flights.ClaimOldest(ctx, m.field, m.value, t)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, m.field, nil
	}
	return nil, "", nil
}

func (s *Service) landed(result *Result, airfield string) *Result {
	f := result.Flight
	fields := []logger.Field{
		logger.Int64("flight_id", f.ID),
		logger.String("device_id", f.DeviceID),
		logger.String("registration", f.Registration),
		logger.String("airfield", airfield),
		logger.String("matched_by", string(result.MatchedBy)),
		logger.Bool("new_flight", result.IsNewFlight),
	}
	if f.FlightDurationMinutes != nil {
		fields = append(fields, logger.Int("duration_minutes", *f.FlightDurationMinutes))
	}
	if f.IsLandingOnly() {
		s.logger.Info("Landing recorded without takeoff", fields...)
	} else {
		s.logger.Info("Landing recorded", fields...)
	}

	s.notify(f, string(flight.KindLanding), result.IsNewFlight)
	return result
}

func (s *Service) recentLanding(ctx context.Context, deviceID string, at time.Time) (*flight.FlightRecord, error) {
	if s.config.DuplicateLandingWindow <= 0 {
		return nil, nil
	}
	f, err := s.flights.FindRecentLanding(ctx, deviceID, at.Add(-s.config.DuplicateLandingWindow))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: checking recent landing of %s: %w", ErrRetryable, deviceID, err)
	}
	return f, nil
}

func (s *Service) duplicateTakeoff(result *Result, existing *flight.FlightRecord) *Result {
	result.Flight = existing
	result.Duplicate = true
	s.logger.Info("Duplicate takeoff ignored, device already airborne",
		logger.Int64("flight_id", existing.ID),
		logger.String("device_id", existing.DeviceID))
	return result
}

// racedTakeoff handles a takeoff that lost the one-airborne-flight race
func (s *Service) racedTakeoff(ctx context.Context, result *Result) (*Result, error) {
	existing, err := s.flights.FindInFlightByDevice(ctx, result.Identity.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading airborne flight of %s: %w", ErrRetryable, result.Identity.DeviceID, err)
	}
	return s.duplicateTakeoff(result, existing), nil
}

func (s *Service) applyAssignment(ctx context.Context, f *flight.FlightRecord, id flight.Identity, at time.Time) {
	if s.assignments == nil || id.PlaneID == "" {
		return
	}
	a, err := s.assignments.PrivateAssignment(ctx, id.PlaneID, id.ClubID, flight.DateKey(at.In(s.config.Location)))
	if err != nil {
		s.logger.Warn("Failed to load private assignment",
			logger.String("plane_id", id.PlaneID),
			logger.Error(err))
		return
	}
	if a != nil {
		f.ApplyAssignment(a)
		s.logger.Debug("Applied private assignment",
			logger.String("plane_id", id.PlaneID),
			logger.String("pilot_id", a.PilotID))
	}
}

// CreatePending pre-registers a flight that waits for its takeoff. A device
// id on the draft is normalized and fills missing identity fields.
func (s *Service) CreatePending(ctx context.Context, draft flight.FlightRecord) (*flight.FlightRecord, error) {
	if strings.TrimSpace(draft.DeviceID) != "" {
		id := s.resolver.Resolve(ctx, draft.DeviceID, draft.ClubID)
		draft.DeviceID = id.DeviceID
		if draft.Registration == "" {
			draft.Registration = id.Registration
		}
		if draft.AircraftType == "" {
			draft.AircraftType = id.AircraftType
		}
		if draft.CompetitionID == "" {
			draft.CompetitionID = id.CompetitionID
		}
		if draft.PlaneID == "" {
			draft.PlaneID = id.PlaneID
		}
		if draft.ClubID == "" {
			draft.ClubID = id.ClubID
		}
	}
	draft.DeviceID = strings.TrimSpace(draft.DeviceID)
	draft.Registration = strings.ToUpper(strings.TrimSpace(draft.Registration))
	if draft.DeviceID == "" && draft.Registration == "" && draft.PlaneID == "" {
		return nil, ErrMissingIdentity
	}

	f := flight.NewPending(draft, s.now())
	if err := s.flights.CreateFlight(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: creating pending flight: %w", ErrRetryable, err)
	}

	s.logger.Info("Pending flight created",
		logger.Int64("flight_id", f.ID),
		logger.String("device_id", f.DeviceID),
		logger.String("registration", f.Registration),
		logger.String("plane_id", f.PlaneID))
	return f, nil
}

// StartNow moves a known pending flight into the air
func (s *Service) StartNow(ctx context.Context, flightID int64, airfield string) (*flight.FlightRecord, error) {
	f, err := s.flights.ApplyTransition(ctx, flightID, flight.TakeoffAt(s.now(), strings.TrimSpace(airfield), ""))
	if err != nil {
		return nil, s.manualError(flightID, err)
	}

	s.creditStarts(ctx, f)
	s.logger.Info("Flight started manually",
		logger.Int64("flight_id", f.ID),
		logger.String("airfield", f.TakeoffAirfield))
	s.notify(f, "start", false)
	return f, nil
}

// LandNow lands a known airborne flight, or a pending one without a takeoff
func (s *Service) LandNow(ctx context.Context, flightID int64, airfield string) (*flight.FlightRecord, error) {
	current, err := s.flights.GetFlight(ctx, flightID)
	if err != nil {
		return nil, s.manualError(flightID, err)
	}
	if current.Deleted {
		return nil, fmt.Errorf("%w: flight %d is deleted", flight.ErrInvalidTransition, flightID)
	}

	airfield = strings.TrimSpace(airfield)
	var t flight.Transition
	switch current.Status {
	case flight.StatusInFlight:
		t = flight.LandingAt(s.now(), airfield, "")
	case flight.StatusPending:
		t = flight.LandingWithoutTakeoffAt(s.now(), airfield, "")
	default:
		return nil, fmt.Errorf("%w: flight %d is %s", flight.ErrInvalidTransition, flightID, current.Status)
	}

	f, err := s.flights.ApplyTransition(ctx, flightID, t)
	if err != nil {
		return nil, s.manualError(flightID, err)
	}
	if t.ComputeDuration {
		s.creditMinutes(ctx, f)
	}

	s.logger.Info("Flight landed manually",
		logger.Int64("flight_id", f.ID),
		logger.String("airfield", f.LandingAirfield))
	s.notify(f, "end", false)
	if t.ComputeDuration {
		s.computeStatistics(f.ID)
	}
	return f, nil
}

// Delete soft-deletes a flight and reverses the counters it credited.
// Deleting an already deleted flight changes nothing.
func (s *Service) Delete(ctx context.Context, flightID int64) (*flight.FlightRecord, error) {
	f, changed, err := s.flights.SoftDelete(ctx, flightID)
	if err != nil {
		return nil, s.manualError(flightID, err)
	}
	if !changed {
		return f, nil
	}

	s.reverseCredits(ctx, f)
	s.logger.Info("Flight deleted",
		logger.Int64("flight_id", f.ID),
		logger.String("status", string(f.Status)))
	s.notify(f, "delete", false)
	return f, nil
}

func (s *Service) manualError(flightID int64, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %d", ErrFlightNotFound, flightID)
	case errors.Is(err, flight.ErrInvalidTransition):
		return err
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: device of flight %d is already airborne", flight.ErrInvalidTransition, flightID)
	default:
		return fmt.Errorf("%w: flight %d: %w", ErrRetryable, flightID, err)
	}
}

// notify sends a flight update to the channel of the flight's airfield
func (s *Service) notify(f *flight.FlightRecord, event string, isNew bool) {
	s.broadcast(&websocket.Message{
		Type:        websocket.MessageTypeFlightUpdate,
		Event:       event,
		Data:        f,
		IsNewFlight: isNew,
	}, f.Airfield())
}

func (s *Service) broadcast(msg *websocket.Message, channel string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(msg, channel)
}
