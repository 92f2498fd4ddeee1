package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/storage"
	"github.com/yegors/flightlog/pkg/logger"
)

const flightColumns = `id, club_id, device_id, registration, aircraft_type, competition_id, plane_id,
	pilot_id, co_pilot_id, is_school_flight, launch_method, status,
	takeoff_time, takeoff_airfield, landing_time, landing_airfield, flight_duration_minutes,
	max_altitude, max_speed, distance_km, deleted,
	plane_start_credited, pilot_start_credited, co_pilot_start_credited, plane_minutes_credited,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlight(row rowScanner) (*flight.FlightRecord, error) {
	var (
		f                                    flight.FlightRecord
		deviceID                             sql.NullString
		status                               string
		takeoff, landing, duration           sql.NullInt64
		maxAlt, maxSpeed, distance           sql.NullFloat64
		school, deleted                      int
		planeStart, pilotStart, coPilotStart int
		createdAt, updatedAt                 int64
	)
	err := row.Scan(
		&f.ID, &f.ClubID, &deviceID, &f.Registration, &f.AircraftType, &f.CompetitionID, &f.PlaneID,
		&f.PilotID, &f.CoPilotID, &school, &f.LaunchMethod, &status,
		&takeoff, &f.TakeoffAirfield, &landing, &f.LandingAirfield, &duration,
		&maxAlt, &maxSpeed, &distance, &deleted,
		&planeStart, &pilotStart, &coPilotStart, &f.PlaneMinutesCredited,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.DeviceID = deviceID.String
	f.Status = flight.Status(status)
	f.IsSchoolFlight = school != 0
	f.TakeoffTime = fromMillis(takeoff)
	f.LandingTime = fromMillis(landing)
	if duration.Valid {
		d := int(duration.Int64)
		f.FlightDurationMinutes = &d
	}
	f.MaxAltitude = fromNullFloat(maxAlt)
	f.MaxSpeed = fromNullFloat(maxSpeed)
	f.DistanceKm = fromNullFloat(distance)
	f.Deleted = deleted != 0
	f.PlaneStartCredited = planeStart != 0
	f.PilotStartCredited = pilotStart != 0
	f.CoPilotStartCredited = coPilotStart != 0
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &f, nil
}

// CreateFlight inserts a new record and sets its id. A second airborne
// record for the same device fails with storage.ErrConflict.
func (s *Store) CreateFlight(ctx context.Context, f *flight.FlightRecord) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = flight.Stamp(now)
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}

	var duration interface{}
	if f.FlightDurationMinutes != nil {
		duration = *f.FlightDurationMinutes
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flights (
			club_id, device_id, registration, aircraft_type, competition_id, plane_id,
			pilot_id, co_pilot_id, is_school_flight, launch_method, status,
			takeoff_time, takeoff_airfield, landing_time, landing_airfield, flight_duration_minutes,
			max_altitude, max_speed, distance_km, deleted,
			plane_start_credited, pilot_start_credited, co_pilot_start_credited, plane_minutes_credited,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ClubID, nullString(f.DeviceID), f.Registration, f.AircraftType, f.CompetitionID, f.PlaneID,
		f.PilotID, f.CoPilotID, boolToInt(f.IsSchoolFlight), f.LaunchMethod, string(f.Status),
		millis(f.TakeoffTime), f.TakeoffAirfield, millis(f.LandingTime), f.LandingAirfield, duration,
		nullFloat(f.MaxAltitude), nullFloat(f.MaxSpeed), nullFloat(f.DistanceKm), boolToInt(f.Deleted),
		boolToInt(f.PlaneStartCredited), boolToInt(f.PilotStartCredited), boolToInt(f.CoPilotStartCredited), f.PlaneMinutesCredited,
		f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert flight: %w", mapError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read flight id: %w", err)
	}
	f.ID = id

	s.logger.Debug("Flight created",
		logger.Int64("flight_id", id),
		logger.String("device_id", f.DeviceID),
		logger.String("status", string(f.Status)))
	return nil
}

// GetFlight returns a flight by id, including soft-deleted ones
func (s *Store) GetFlight(ctx context.Context, id int64) (*flight.FlightRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flightColumns+` FROM flights WHERE id = ?`, id)
	f, err := scanFlight(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get flight %d: %w", id, mapError(err))
	}
	return f, nil
}

// ClaimOldest applies t to the oldest non-deleted record whose field equals
// value and whose status t accepts. Selection and update are one statement,
// so two concurrent callers can never claim the same record.
func (s *Store) ClaimOldest(ctx context.Context, field storage.MatchField, value string, t flight.Transition) (*flight.FlightRecord, error) {
	if value == "" {
		return nil, storage.ErrNotFound
	}
	switch field {
	case storage.MatchDevice, storage.MatchRegistration, storage.MatchPlane:
	default:
		return nil, fmt.Errorf("unsupported match field: %s", field)
	}

	set, setArgs := transitionSet(t)
	from := statusArgs(t.From)

	// A record whose own device is airborne on another record cannot be
	// taken into the air; it is skipped rather than tripping the
	// one-airborne-flight index.
	airborneGuard := ""
	if t.To == flight.StatusInFlight {
		airborneGuard = `AND NOT EXISTS (
				SELECT 1 FROM flights g
				WHERE g.device_id = c.device_id AND g.status = 'INFLIGHT' AND g.deleted = 0 AND g.id <> c.id
			)`
	}

	query := fmt.Sprintf(`
		UPDATE flights SET %s
		WHERE id = (
			SELECT c.id FROM flights c
			WHERE c.deleted = 0 AND c.status IN (%s) AND c.%s = ?
			%s
			ORDER BY c.created_at, c.id
			LIMIT 1
		)
		AND deleted = 0 AND status IN (%s)
		RETURNING `+flightColumns,
		set, placeholders(len(from)), string(field), airborneGuard, placeholders(len(from)))

	args := append([]interface{}{}, setArgs...)
	args = append(args, from...)
	args = append(args, value)
	args = append(args, from...)

	f, err := scanFlight(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to claim flight by %s: %w", field, mapError(err))
	}

	s.logger.Debug("Flight claimed",
		logger.Int64("flight_id", f.ID),
		logger.String("match", string(field)),
		logger.String("status", string(f.Status)))
	return f, nil
}

// ApplyTransition applies t to a known record. A record in a status t does
// not accept yields flight.ErrInvalidTransition.
func (s *Store) ApplyTransition(ctx context.Context, id int64, t flight.Transition) (*flight.FlightRecord, error) {
	set, setArgs := transitionSet(t)
	from := statusArgs(t.From)

	query := fmt.Sprintf(`UPDATE flights SET %s WHERE id = ? AND deleted = 0 AND status IN (%s) RETURNING `+flightColumns,
		set, placeholders(len(from)))

	args := append([]interface{}{}, setArgs...)
	args = append(args, id)
	args = append(args, from...)

	f, err := scanFlight(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update flight %d: %w", id, mapError(err))
	}

	current, getErr := s.GetFlight(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: flight %d is %s", flight.ErrInvalidTransition, id, current.Lifecycle())
}

// transitionSet builds the SET clause of a transition
func transitionSet(t flight.Transition) (string, []interface{}) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(t.To), time.Now().UnixMilli()}

	if t.TakeoffTime != nil {
		sets = append(sets, "takeoff_time = ?", "takeoff_airfield = ?")
		args = append(args, t.TakeoffTime.UnixMilli(), t.TakeoffAirfield)
	}
	if t.LandingTime != nil {
		sets = append(sets, "landing_time = ?", "landing_airfield = ?")
		args = append(args, t.LandingTime.UnixMilli(), t.LandingAirfield)
	}
	if t.DeviceID != "" {
		sets = append(sets, "device_id = COALESCE(device_id, ?)")
		args = append(args, t.DeviceID)
	}
	if t.ComputeDuration && t.LandingTime != nil {
		// takeoff_time here is the value before the update
		sets = append(sets, "flight_duration_minutes = CASE WHEN takeoff_time IS NULL THEN NULL ELSE MAX(0, (? - takeoff_time) / 60000) END")
		args = append(args, t.LandingTime.UnixMilli())
	}
	return strings.Join(sets, ", "), args
}

func statusArgs(statuses []flight.Status) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// FindInFlightByDevice returns the airborne record of a device
func (s *Store) FindInFlightByDevice(ctx context.Context, deviceID string) (*flight.FlightRecord, error) {
	if deviceID == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE device_id = ? AND status = ? AND deleted = 0
		ORDER BY created_at, id LIMIT 1`,
		deviceID, string(flight.StatusInFlight))
	f, err := scanFlight(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find airborne flight: %w", mapError(err))
	}
	return f, nil
}

// FindRecentLanding returns the latest landed record of a device that landed at or after since
func (s *Store) FindRecentLanding(ctx context.Context, deviceID string, since time.Time) (*flight.FlightRecord, error) {
	if deviceID == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE device_id = ? AND status = ? AND deleted = 0 AND landing_time >= ?
		ORDER BY landing_time DESC, id DESC LIMIT 1`,
		deviceID, string(flight.StatusLanded), since.UnixMilli())
	f, err := scanFlight(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find recent landing: %w", mapError(err))
	}
	return f, nil
}

// SoftDelete flags a record as deleted without touching its status. It
// returns the record and whether this call deleted it; deleting twice is
// not an error.
func (s *Store) SoftDelete(ctx context.Context, id int64) (*flight.FlightRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE flights SET deleted = 1, updated_at = ?
		WHERE id = ? AND deleted = 0
		RETURNING `+flightColumns,
		time.Now().UnixMilli(), id)
	f, err := scanFlight(row)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to delete flight %d: %w", id, mapError(err))
	}

	existing, err := s.GetFlight(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SaveStatistics stores the derived statistics of a flight
func (s *Store) SaveStatistics(ctx context.Context, id int64, maxAltitude, maxSpeed, distanceKm *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flights SET max_altitude = ?, max_speed = ?, distance_km = ?, updated_at = ?
		WHERE id = ?`,
		nullFloat(maxAltitude), nullFloat(maxSpeed), nullFloat(distanceKm), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to save statistics for flight %d: %w", id, err)
	}
	return requireRow(res)
}

// SaveCredits stores which counters have been credited for a flight
func (s *Store) SaveCredits(ctx context.Context, f *flight.FlightRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flights SET
			plane_start_credited = ?, pilot_start_credited = ?,
			co_pilot_start_credited = ?, plane_minutes_credited = ?
		WHERE id = ?`,
		boolToInt(f.PlaneStartCredited), boolToInt(f.PilotStartCredited),
		boolToInt(f.CoPilotStartCredited), f.PlaneMinutesCredited, f.ID)
	if err != nil {
		return fmt.Errorf("failed to save credits for flight %d: %w", f.ID, err)
	}
	return requireRow(res)
}

// FlightFilter narrows ListFlights
type FlightFilter struct {
	Status         flight.Status // stored status, empty = any
	Airfield       string        // takeoff or landing airfield
	IncludeDeleted bool
	Limit          int
}

// ListFlights returns flights newest first
func (s *Store) ListFlights(ctx context.Context, filter FlightFilter) ([]*flight.FlightRecord, error) {
	where := []string{"1 = 1"}
	var args []interface{}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Airfield != "" {
		where = append(where, "(takeoff_airfield = ? OR landing_airfield = ?)")
		args = append(args, filter.Airfield, filter.Airfield)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	defer rows.Close()

	var flights []*flight.FlightRecord
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight row: %w", err)
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flight rows: %w", err)
	}
	return flights, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
