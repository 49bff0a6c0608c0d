package models

import "time"

// EnforcementLevel controls whether a policy can be bypassed.
type EnforcementLevel string

const (
	EnforcementHard EnforcementLevel = "hard"
	EnforcementSoft EnforcementLevel = "soft"
)

// Approver references a user or a whole group.
type Approver struct {
	Type PrincipalType `json:"type"`
	ID   string        `json:"id"`
}

// ApprovalPolicy binds an environment + path pattern to a reviewer set.
type ApprovalPolicy struct {
	ID                string           `json:"id"`
	ProjectID         string           `json:"project_id"`
	Name              string           `json:"name"`
	Environment       string           `json:"environment"`
	SecretPath        string           `json:"secret_path"`
	Approvers         []Approver       `json:"approvers"`
	Bypassers         []Approver       `json:"bypassers"`
	RequiredApprovals int              `json:"required_approvals"`
	EnforcementLevel  EnforcementLevel `json:"enforcement_level"`
	AllowSelfApproval bool             `json:"allow_self_approval"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
}

// RequestStatus is the state of an approval request.
type RequestStatus string

const (
	RequestOpen     RequestStatus = "open"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestMerged   RequestStatus = "merged"
	RequestClosed   RequestStatus = "closed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestMerged || s == RequestRejected || s == RequestClosed
}

// CommitOp is the kind of change a commit proposes.
type CommitOp string

const (
	CommitCreate CommitOp = "create"
	CommitUpdate CommitOp = "update"
	CommitDelete CommitOp = "delete"
)

// Commit is one proposed change inside an approval request.
// Value is ciphertext. BaseVersion is the secret's version when the request was opened.
// A create commit carrying SecretID revives that deleted secret.
type Commit struct {
	Op          CommitOp        `json:"op"`
	SecretID    string          `json:"secret_id,omitempty"`
	Key         string          `json:"key"`
	NewKey      string          `json:"new_key,omitempty"`
	Value       []byte          `json:"-"`
	HasValue    bool            `json:"has_value"`
	Comment     *string         `json:"comment,omitempty"`
	TagIDs      []string        `json:"tag_ids,omitempty"`
	Metadata    []MetadataEntry `json:"metadata,omitempty"`
	BaseVersion int             `json:"base_version"`
}

// ReviewStatus is a reviewer decision.
type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review records one reviewer's latest decision.
type Review struct {
	ReviewerID string       `json:"reviewer_id"`
	Status     ReviewStatus `json:"status"`
	Comment    string       `json:"comment"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ApprovalRequest is a pending set of secret changes awaiting review.
type ApprovalRequest struct {
	ID              string        `json:"id"`
	PolicyID        string        `json:"policy_id"`
	ProjectID       string        `json:"project_id"`
	Environment     string        `json:"environment"`
	FolderPath      string        `json:"folder_path"`
	Status          RequestStatus `json:"status"`
	Commits         []Commit      `json:"commits"`
	Reviews         []Review      `json:"reviews"`
	CommitterID     string        `json:"committer_id"`
	StatusChangedBy string        `json:"status_changed_by,omitempty"`
	MergedBy        string        `json:"merged_by,omitempty"`
	MergedAt        *time.Time    `json:"merged_at,omitempty"`
	BypassReason    string        `json:"bypass_reason,omitempty"`
	MergeError      string        `json:"merge_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Touches reports whether the request proposes a change to key.
func (r *ApprovalRequest) Touches(key string) bool {
	for _, c := range r.Commits {
		if c.Key == key || (c.NewKey != "" && c.NewKey == key) {
			return true
		}
	}
	return false
}
