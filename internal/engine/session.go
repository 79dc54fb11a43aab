package engine

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidSpeed = errors.New("invalid speed")
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleObserver Role = "observer"
)

// Session identifies the caller of a control operation: which vehicle it is
// bound to and what it may do with it.
type Session struct {
	VehicleID string
	Role      Role
}

func AdminSession(vehicleID string) Session {
	return Session{VehicleID: vehicleID, Role: RoleAdmin}
}

func ObserverSession(vehicleID string) Session {
	return Session{VehicleID: vehicleID, Role: RoleObserver}
}

func (s Session) canControl(vehicleID string) error {
	if s.VehicleID != vehicleID {
		return fmt.Errorf("session bound to %q, not %q: %w", s.VehicleID, vehicleID, ErrForbidden)
	}
	if s.Role != RoleAdmin {
		return fmt.Errorf("role %q cannot control %s: %w", s.Role, vehicleID, ErrForbidden)
	}
	return nil
}
