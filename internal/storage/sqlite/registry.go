package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/storage"
)

const planeColumns = `id, club_id, device_id, registration, aircraft_type, competition_id, starts, flight_minutes`

func scanPlane(row rowScanner) (*flight.Aircraft, error) {
	var a flight.Aircraft
	if err := row.Scan(&a.ID, &a.ClubID, &a.DeviceID, &a.Registration, &a.AircraftType, &a.CompetitionID, &a.Starts, &a.FlightMinutes); err != nil {
		return nil, err
	}
	return &a, nil
}

// LookupAircraft finds a club plane by normalized device id, optionally
// scoped to one club. A miss returns nil without an error.
func (s *Store) LookupAircraft(ctx context.Context, deviceID, clubID string) (*flight.Aircraft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+planeColumns+` FROM planes
		WHERE device_id = ? AND (? = '' OR club_id = ?)
		ORDER BY id LIMIT 1`,
		deviceID, clubID, clubID)
	a, err := scanPlane(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up aircraft %s: %w", deviceID, err)
	}
	return a, nil
}

// LookupAircraftBatch finds club planes for several device ids in one query
func (s *Store) LookupAircraftBatch(ctx context.Context, deviceIDs []string, clubID string) (map[string]*flight.Aircraft, error) {
	result := make(map[string]*flight.Aircraft)
	if len(deviceIDs) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(deviceIDs)+2)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	args = append(args, clubID, clubID)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+planeColumns+` FROM planes
		WHERE device_id IN (%s) AND (? = '' OR club_id = ?)
		ORDER BY id`, placeholders(len(deviceIDs))),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aircraft batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanPlane(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aircraft row: %w", err)
		}
		if _, ok := result[a.DeviceID]; !ok {
			result[a.DeviceID] = a
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aircraft rows: %w", err)
	}
	return result, nil
}

// UpsertPlane creates or replaces a club plane, keeping its counters
func (s *Store) UpsertPlane(ctx context.Context, a flight.Aircraft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planes (id, club_id, device_id, registration, aircraft_type, competition_id, starts, flight_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			club_id = excluded.club_id,
			device_id = excluded.device_id,
			registration = excluded.registration,
			aircraft_type = excluded.aircraft_type,
			competition_id = excluded.competition_id`,
		a.ID, a.ClubID, a.DeviceID, a.Registration, a.AircraftType, a.CompetitionID, a.Starts, a.FlightMinutes)
	if err != nil {
		return fmt.Errorf("failed to upsert plane %s: %w", a.ID, err)
	}
	return nil
}

// GetPlane returns a club plane with its counters
func (s *Store) GetPlane(ctx context.Context, id string) (*flight.Aircraft, error) {
	a, err := scanPlane(s.db.QueryRowContext(ctx, `SELECT `+planeColumns+` FROM planes WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get plane %s: %w", id, mapError(err))
	}
	return a, nil
}

// UpsertPilot creates or renames a pilot, keeping the start counter
func (s *Store) UpsertPilot(ctx context.Context, id, clubID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pilots (id, club_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET club_id = excluded.club_id, name = excluded.name`,
		id, clubID, name)
	if err != nil {
		return fmt.Errorf("failed to upsert pilot %s: %w", id, err)
	}
	return nil
}

// PilotStarts returns a pilot's start counter
func (s *Store) PilotStarts(ctx context.Context, id string) (int, error) {
	var starts int
	if err := s.db.QueryRowContext(ctx, `SELECT starts FROM pilots WHERE id = ?`, id).Scan(&starts); err != nil {
		return 0, fmt.Errorf("failed to get pilot %s: %w", id, mapError(err))
	}
	return starts, nil
}

// AddPlaneStarts atomically adds delta to a plane's start counter
func (s *Store) AddPlaneStarts(ctx context.Context, planeID string, delta int) error {
	return s.increment(ctx, `UPDATE planes SET starts = starts + ? WHERE id = ?`, delta, planeID)
}

// AddPlaneFlightMinutes atomically adds delta to a plane's flight-time counter
func (s *Store) AddPlaneFlightMinutes(ctx context.Context, planeID string, delta int) error {
	return s.increment(ctx, `UPDATE planes SET flight_minutes = flight_minutes + ? WHERE id = ?`, delta, planeID)
}

// AddPilotStarts atomically adds delta to a pilot's start counter
func (s *Store) AddPilotStarts(ctx context.Context, pilotID string, delta int) error {
	return s.increment(ctx, `UPDATE pilots SET starts = starts + ? WHERE id = ?`, delta, pilotID)
}

func (s *Store) increment(ctx context.Context, query string, delta int, id string) error {
	if id == "" {
		return storage.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("failed to update counter of %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return fmt.Errorf("counter owner %s: %w", id, err)
	}
	return nil
}

// PrivateAssignment returns the assignment of a plane for a day, or nil
func (s *Store) PrivateAssignment(ctx context.Context, planeID, clubID, date string) (*flight.PrivateAssignment, error) {
	var (
		a      flight.PrivateAssignment
		school int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT plane_id, club_id, date, pilot_id, co_pilot_id, is_school_flight, launch_method
		FROM private_assignments
		WHERE plane_id = ? AND club_id = ? AND date = ?`,
		planeID, clubID, date).Scan(&a.PlaneID, &a.ClubID, &a.Date, &a.PilotID, &a.CoPilotID, &school, &a.LaunchMethod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get private assignment: %w", err)
	}
	a.IsSchoolFlight = school != 0
	return &a, nil
}

// SetPrivateAssignment creates or replaces the assignment of a plane for a day
func (s *Store) SetPrivateAssignment(ctx context.Context, a flight.PrivateAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO private_assignments (plane_id, club_id, date, pilot_id, co_pilot_id, is_school_flight, launch_method)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plane_id, club_id, date) DO UPDATE SET
			pilot_id = excluded.pilot_id,
			co_pilot_id = excluded.co_pilot_id,
			is_school_flight = excluded.is_school_flight,
			launch_method = excluded.launch_method`,
		a.PlaneID, a.ClubID, a.Date, a.PilotID, a.CoPilotID, boolToInt(a.IsSchoolFlight), a.LaunchMethod)
	if err != nil {
		return fmt.Errorf("failed to set private assignment: %w", err)
	}
	return nil
}
