package identity

import (
	"context"
	"strings"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/pkg/logger"
)

// fallbackIDLength is how many characters of the device id a synthesized registration keeps
const fallbackIDLength = 6

// AircraftRegistry is the club's own aircraft registry. Lookups return nil
// without an error on a miss.
type AircraftRegistry interface {
	LookupAircraft(ctx context.Context, deviceID, clubID string) (*flight.Aircraft, error)
	LookupAircraftBatch(ctx context.Context, deviceIDs []string, clubID string) (map[string]*flight.Aircraft, error)
}

// DeviceDatabase is the external device-to-aircraft reference dataset
type DeviceDatabase interface {
	Lookup(deviceID string) *Device
}

// Options controls normalization and fallback naming
type Options struct {
	PrefixMarker   string // stripped case-insensitively from raw ids
	FallbackPrefix string // prefix of synthesized registrations
}

// Resolver maps raw tracker ids to aircraft identities: club registry first,
// then the external device database, then a synthesized placeholder.
type Resolver struct {
	registry AircraftRegistry
	devices  DeviceDatabase
	opts     Options
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewResolver creates a resolver. devices may be nil when no external
// dataset is configured.
func NewResolver(registry AircraftRegistry, devices DeviceDatabase, opts Options, m *metrics.Metrics, log *logger.Logger) *Resolver {
	if opts.PrefixMarker == "" {
		opts.PrefixMarker = "FLARM"
	}
	if opts.FallbackPrefix == "" {
		opts.FallbackPrefix = "FLARM"
	}
	return &Resolver{
		registry: registry,
		devices:  devices,
		opts:     opts,
		metrics:  m,
		logger:   log.Named("identity"),
	}
}

// Normalize strips the prefix marker and an optional separator after it,
// trims and uppercases the id
func Normalize(deviceID, marker string) string {
	id := strings.TrimSpace(deviceID)
	if marker != "" && len(id) >= len(marker) && strings.EqualFold(id[:len(marker)], marker) {
		id = id[len(marker):]
		id = strings.TrimLeft(id, ":-_")
	}
	return strings.ToUpper(strings.TrimSpace(id))
}

// Normalize normalizes a device id with the resolver's prefix marker
func (r *Resolver) Normalize(deviceID string) string {
	return Normalize(deviceID, r.opts.PrefixMarker)
}

// Resolve returns the identity of a device. It never fails: lookup errors
// are logged and the next source is tried.
func (r *Resolver) Resolve(ctx context.Context, deviceID, clubID string) flight.Identity {
	id := r.Normalize(deviceID)

	if id != "" && r.registry != nil {
		aircraft, err := r.registry.LookupAircraft(ctx, id, clubID)
		if err != nil {
			r.logger.Warn("Club registry lookup failed, trying next source",
				logger.String("device_id", id),
				logger.String("club_id", clubID),
				logger.Error(err))
		} else if aircraft != nil {
			return r.record(fromAircraft(id, aircraft))
		}
	}

	return r.record(r.resolveExternal(id, clubID))
}

// ResolveBatch resolves a set of ids with a single registry query for the
// club tier. The result is keyed by normalized id.
func (r *Resolver) ResolveBatch(ctx context.Context, deviceIDs []string, clubID string) map[string]flight.Identity {
	ids := make([]string, 0, len(deviceIDs))
	seen := make(map[string]bool, len(deviceIDs))
	for _, raw := range deviceIDs {
		id := r.Normalize(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	result := make(map[string]flight.Identity, len(ids))
	if len(ids) == 0 {
		return result
	}

	var club map[string]*flight.Aircraft
	if r.registry != nil {
		var err error
		club, err = r.registry.LookupAircraftBatch(ctx, ids, clubID)
		if err != nil {
			r.logger.Warn("Club registry batch lookup failed, trying next source",
				logger.Int("count", len(ids)),
				logger.String("club_id", clubID),
				logger.Error(err))
			club = nil
		}
	}

	for _, id := range ids {
		if aircraft := club[id]; aircraft != nil {
			result[id] = r.record(fromAircraft(id, aircraft))
			continue
		}
		result[id] = r.record(r.resolveExternal(id, clubID))
	}
	return result
}

// resolveExternal runs the tiers after the club registry
func (r *Resolver) resolveExternal(id, clubID string) flight.Identity {
	if id != "" && r.devices != nil {
		if d := r.devices.Lookup(id); d != nil {
			return flight.Identity{
				DeviceID:      id,
				Registration:  d.Registration,
				AircraftType:  d.AircraftModel,
				CompetitionID: d.CN,
				Source:        flight.SourceExternal,
				ClubID:        clubID,
			}
		}
	}
	return flight.Identity{
		DeviceID:     id,
		Registration: r.fallbackRegistration(id),
		Source:       flight.SourceFallback,
		ClubID:       clubID,
	}
}

func (r *Resolver) fallbackRegistration(id string) string {
	if len(id) > fallbackIDLength {
		id = id[:fallbackIDLength]
	}
	return r.opts.FallbackPrefix + "-" + id
}

func (r *Resolver) record(id flight.Identity) flight.Identity {
	r.metrics.IdentityResolved(string(id.Source))
	r.logger.Debug("Resolved device identity",
		logger.String("device_id", id.DeviceID),
		logger.String("registration", id.Registration),
		logger.String("source", string(id.Source)))
	return id
}

func fromAircraft(id string, a *flight.Aircraft) flight.Identity {
	return flight.Identity{
		DeviceID:      id,
		Registration:  a.Registration,
		AircraftType:  a.AircraftType,
		CompetitionID: a.CompetitionID,
		Source:        flight.SourceClub,
		IsClubAsset:   true,
		PlaneID:       a.ID,
		ClubID:        a.ClubID,
	}
}
