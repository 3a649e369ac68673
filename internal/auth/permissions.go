package auth

import "fmt"

type Permission string

const (
	PermRead    Permission = "read"    // list instruments, get signals, sessions, history
	PermAcquire Permission = "acquire" // start and cancel acquisitions
	PermWrite   Permission = "write"   // set signals, stage
)

type Role string

const (
	RoleViewer     Role = "viewer"
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
)

// AllPermissions is granted when authentication is disabled.
var AllPermissions = []Permission{PermRead, PermAcquire, PermWrite}

func (r Role) Permissions() ([]Permission, error) {
	switch r {
	case RoleViewer:
		return []Permission{PermRead}, nil
	case RoleOperator:
		return []Permission{PermRead, PermAcquire}, nil
	case RoleTechnician:
		return []Permission{PermRead, PermAcquire, PermWrite}, nil
	default:
		return nil, fmt.Errorf("unknown role %q", r)
	}
}
