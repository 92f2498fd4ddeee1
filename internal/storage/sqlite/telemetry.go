package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/pkg/logger"
)

const telemetryColumns = `id, device_id, flight_id, timestamp, latitude, longitude, altitude, ground_speed`

// AddTelemetry stores a batch of fixes in one transaction
func (s *Store) AddTelemetry(ctx context.Context, points []flight.TelemetryPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_points (device_id, flight_id, timestamp, latitude, longitude, altitude, ground_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		var flightID interface{}
		if p.FlightID != nil {
			flightID = *p.FlightID
		}
		if _, err := stmt.ExecContext(ctx,
			p.DeviceID, flightID, p.Timestamp.UnixMilli(),
			nullFloat(p.Latitude), nullFloat(p.Longitude), nullFloat(p.Altitude), nullFloat(p.GroundSpeed),
		); err != nil {
			return 0, fmt.Errorf("failed to insert telemetry point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit telemetry: %w", err)
	}

	s.logger.Debug("Telemetry stored",
		logger.Int("count", len(points)),
		logger.String("device_id", points[0].DeviceID))
	return len(points), nil
}

// PointsForFlight returns the fixes recorded against a flight in time order
func (s *Store) PointsForFlight(ctx context.Context, flightID int64) ([]flight.TelemetryPoint, error) {
	return s.queryPoints(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry_points WHERE flight_id = ? ORDER BY timestamp, id`,
		flightID)
}

// PointsForDevice returns the fixes of a device within [from, to]. A nil
// bound leaves that side open.
func (s *Store) PointsForDevice(ctx context.Context, deviceID string, from, to *time.Time) ([]flight.TelemetryPoint, error) {
	where := []string{"device_id = ?"}
	args := []interface{}{deviceID}
	if from != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, from.UnixMilli())
	}
	if to != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, to.UnixMilli())
	}
	return s.queryPoints(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry_points WHERE `+strings.Join(where, " AND ")+` ORDER BY timestamp, id`,
		args...)
}

func (s *Store) queryPoints(ctx context.Context, query string, args ...interface{}) ([]flight.TelemetryPoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	var points []flight.TelemetryPoint
	for rows.Next() {
		var (
			p                     flight.TelemetryPoint
			flightID              sql.NullInt64
			ts                    int64
			lat, lon, alt, ground sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.DeviceID, &flightID, &ts, &lat, &lon, &alt, &ground); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		if flightID.Valid {
			id := flightID.Int64
			p.FlightID = &id
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		p.Latitude = fromNullFloat(lat)
		p.Longitude = fromNullFloat(lon)
		p.Altitude = fromNullFloat(alt)
		p.GroundSpeed = fromNullFloat(ground)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating telemetry rows: %w", err)
	}
	return points, nil
}
