package models

import "time"

// ActorType identifies who performed an operation.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorIdentity ActorType = "identity"
	ActorService  ActorType = "service"
)

// Actor is the authenticated principal making a request.
// Service actors carry their token scopes instead of role assignments.
type Actor struct {
	Type   ActorType    `json:"type"`
	ID     string       `json:"id"`
	Scopes []TokenScope `json:"scopes,omitempty"`
	// Access lists "read" and/or "write" for service actors.
	Access []string `json:"access,omitempty"`
}

// TokenScope limits a service token to one environment and path glob.
type TokenScope struct {
	Environment string `json:"environment"`
	SecretPath  string `json:"secret_path"`
}

// PrincipalType is the kind of principal a role assignment targets.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalGroup PrincipalType = "group"
)

// RoleAssignment grants a role slug to a user or a group in a project.
// Temporary assignments are only effective within [TemporaryStart, TemporaryEnd).
type RoleAssignment struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	PrincipalType  PrincipalType `json:"principal_type"`
	PrincipalID    string        `json:"principal_id"`
	RoleSlug       string        `json:"role"`
	IsTemporary    bool          `json:"is_temporary"`
	TemporaryStart *time.Time    `json:"temporary_start,omitempty"`
	TemporaryEnd   *time.Time    `json:"temporary_end,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ActiveAt reports whether the assignment grants anything at t.
func (r *RoleAssignment) ActiveAt(t time.Time) bool {
	if !r.IsTemporary {
		return true
	}
	if r.TemporaryStart == nil || r.TemporaryEnd == nil {
		return false
	}
	return !t.Before(*r.TemporaryStart) && t.Before(*r.TemporaryEnd)
}

// GroupMember links a user to a group.
type GroupMember struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// CustomRole is a project-defined role. Rules holds the serialized rule list.
type CustomRole struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Rules     []byte    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
