// Package perm holds the capability bitset and the role -> capabilities table.
// EnsureCan is the single authorization gate used before any privileged action.
package perm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Capability is a set of permission flags.
type Capability uint16

const (
	SignSelfUp Capability = 1 << iota
	SignOthersUp
	VerifyAttendance
	CrudEvents
	CrudUsers
	ViewPhotos
	ImportCSVs
	ExportCSVs
	CrudAdmins
	ViewSensitiveDetails
	RunOnboarding

	None Capability = 0
	All             = SignSelfUp | SignOthersUp | VerifyAttendance | CrudEvents | CrudUsers | ViewPhotos |
		ImportCSVs | ExportCSVs | CrudAdmins | ViewSensitiveDetails | RunOnboarding
)

var capabilityNames = []struct {
	flag Capability
	name string
}{
	{SignSelfUp, "SIGN_SELF_UP"},
	{SignOthersUp, "SIGN_OTHERS_UP"},
	{VerifyAttendance, "VERIFY_ATTENDANCE"},
	{CrudEvents, "CRUD_EVENTS"},
	{CrudUsers, "CRUD_USERS"},
	{ViewPhotos, "VIEW_PHOTOS"},
	{ImportCSVs, "IMPORT_CSVS"},
	{ExportCSVs, "EXPORT_CSVS"},
	{CrudAdmins, "CRUD_ADMINS"},
	{ViewSensitiveDetails, "VIEW_SENSITIVE_DETAILS"},
	{RunOnboarding, "RUN_ONBOARDING"},
}

// Contains reports whether every flag of other is set in c.
func (c Capability) Contains(other Capability) bool {
	return c&other == other
}

// Names returns the flag names set in c, in bit order.
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if c&cn.flag != 0 {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capability) String() string {
	if c == None {
		return "NONE"
	}
	return strings.Join(c.Names(), " | ")
}

// MarshalText renders the flag names so denials read well in JSON bodies.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type Role int

const (
	RoleGuest Role = iota + 1
	RoleStudent
	RoleStaff
	RoleAdmin
)

// Roles lists every role, lowest privilege first.
var Roles = []Role{RoleGuest, RoleStudent, RoleStaff, RoleAdmin}

func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RoleStudent:
		return "student"
	case RoleStaff:
		return "staff"
	case RoleAdmin:
		return "admin"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if r.String() == strings.ToLower(strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// For returns the capabilities granted to role. Unknown roles get nothing.
func For(role Role) Capability {
	switch role {
	case RoleGuest:
		return ViewPhotos | ViewSensitiveDetails
	case RoleStudent:
		return ViewPhotos | ViewSensitiveDetails | SignSelfUp
	case RoleStaff:
		return All &^ (ImportCSVs | CrudAdmins)
	case RoleAdmin:
		return All
	default:
		return None
	}
}

// Principal is anyone a request can be attributed to.
type Principal interface {
	AccessRole() Role
}

// Held returns the capabilities of p; a nil principal holds nothing.
func Held(p Principal) Capability {
	if p == nil {
		return None
	}
	return For(p.AccessRole())
}

func Can(p Principal, needed Capability) bool {
	return Held(p).Contains(needed)
}

// DeniedError carries both the requested and the held capabilities.
type DeniedError struct {
	Needed Capability `json:"needed"`
	Found  Capability `json:"found"`
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: needed %s, found %s", e.Needed, e.Found)
}

// EnsureCan returns a *DeniedError unless p holds every capability in needed.
func EnsureCan(p Principal, needed Capability) error {
	found := Held(p)
	if !found.Contains(needed) {
		return &DeniedError{Needed: needed, Found: found}
	}
	return nil
}

func IsDenied(err error) bool {
	_, ok := errors.Cause(err).(*DeniedError)
	return ok
}
