package models

import "time"

// Snapshot is an immutable point-in-time capture of an environment's tree.
// Its contents are references to SecretVersion and FolderVersion rows.
type Snapshot struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Environment string    `json:"environment"`
	Sequence    int       `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry records a single domain event. Secret values must never be placed here.
type AuditEntry struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	ActorType ActorType      `json:"actor_type"`
	ActorID   string         `json:"actor_id"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}
