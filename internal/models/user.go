package models

// UserRole is the role supplied by the identity provider.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleStaff UserRole = "staff"
	RoleAdmin UserRole = "admin"
)

// Valid reports whether the role is one the service understands.
func (r UserRole) Valid() bool {
	switch r {
	case RoleUser, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// Privileged reports whether the role triages complaints.
func (r UserRole) Privileged() bool {
	return r == RoleStaff || r == RoleAdmin
}

// Actor identifies the caller of a service operation.
type Actor struct {
	ID        string
	Role      UserRole
	IP        string
	UserAgent string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
