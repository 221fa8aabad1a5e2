// Package access decides whether a user may see a resource based on the
// roles derived from their session.
package access

import (
	"errors"
	"slices"
)

// ErrNoRequiredRoles is returned when a decision is requested without any
// required role. Callers that mean "no restriction" say so with Unrestricted.
var ErrNoRequiredRoles = errors.New("at least one required role must be given")

type Role string

const (
	RoleAdministrator       Role = "administrator"
	RoleClinicianWrite      Role = "clinician-write"
	RoleClinicianReadVitals Role = "clinician-read-vitals"
	RoleFrontDesk           Role = "front-desk"
	RolePatient             Role = "patient"
	RoleServiceAccount      Role = "service-account"
)

// Roles lists every known role in a stable order.
var Roles = []Role{
	RoleAdministrator,
	RoleClinicianWrite,
	RoleClinicianReadVitals,
	RoleFrontDesk,
	RolePatient,
	RoleServiceAccount,
}

func ParseRole(s string) (Role, bool) {
	r := Role(s)
	if slices.Contains(Roles, r) {
		return r, true
	}

	return "", false
}

// ParseRoles keeps the known roles of names, without duplicates, in the
// order of Roles.
func ParseRoles(names []string) []Role {
	roles := make([]Role, 0, len(names))
	for _, known := range Roles {
		if slices.Contains(names, string(known)) {
			roles = append(roles, known)
		}
	}

	return roles
}

// IsAllowed reports whether userRoles and required share at least one role.
func IsAllowed(userRoles, required []Role) (bool, error) {
	if len(required) == 0 {
		return false, ErrNoRequiredRoles
	}

	for _, r := range required {
		if slices.Contains(userRoles, r) {
			return true, nil
		}
	}

	return false, nil
}
