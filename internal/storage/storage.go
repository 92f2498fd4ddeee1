// Package storage holds the types and errors shared by the persistence backends.
package storage

import "errors"

var (
	// ErrNotFound is returned when no row matches
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness rule,
	// such as a second airborne flight for the same device
	ErrConflict = errors.New("conflict")
)

// MatchField is a flight column a pending or airborne record can be matched on
type MatchField string

const (
	MatchDevice       MatchField = "device_id"
	MatchRegistration MatchField = "registration"
	MatchPlane        MatchField = "plane_id"
)
