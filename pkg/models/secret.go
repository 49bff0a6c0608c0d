package models

import (
	"path"
	"slices"
	"strings"
	"time"
)

// SecretType distinguishes shared values from personal overrides.
type SecretType string

const (
	SecretTypeShared   SecretType = "shared"
	SecretTypePersonal SecretType = "personal"
)

// MetadataEntry is one key/value pair of secret metadata.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SecretRef locates a secret by its natural key.
type SecretRef struct {
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment"`
	Path        string `json:"path"`
	Key         string `json:"key"`
}

// Secret is the current-state row. CurrentVersionID points at the live SecretVersion.
type Secret struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Environment      string     `json:"environment"`
	FolderPath       string     `json:"folder_path"`
	Key              string     `json:"key"`
	Type             SecretType `json:"type"`
	Version          int        `json:"version"`
	CurrentVersionID string     `json:"current_version_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the secret has been soft-deleted.
func (s *Secret) IsDeleted() bool {
	return s.DeletedAt != nil
}

// SecretVersion is an immutable record of one secret revision.
// Value and ValueOverride hold ciphertext.
type SecretVersion struct {
	ID            string          `json:"id"`
	SecretID      string          `json:"secret_id"`
	Version       int             `json:"version"`
	Key           string          `json:"key"`
	Value         []byte          `json:"-"`
	ValueOverride []byte          `json:"-"`
	Comment       string          `json:"comment"`
	TagIDs        []string        `json:"tag_ids"`
	Metadata      []MetadataEntry `json:"metadata"`
	FolderPath    string          `json:"folder_path"`
	ActorType     ActorType       `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Folder is a node of the per-environment folder tree. The root "/" has no row.
type Folder struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Environment      string     `json:"environment"`
	ParentPath       string     `json:"parent_path"`
	Name             string     `json:"name"`
	Path             string     `json:"path"`
	Version          int        `json:"version"`
	CurrentVersionID string     `json:"current_version_id"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// FolderVersion is an immutable record of a folder revision.
type FolderVersion struct {
	ID         string    `json:"id"`
	FolderID   string    `json:"folder_id"`
	Version    int       `json:"version"`
	Name       string    `json:"name"`
	ParentPath string    `json:"parent_path"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
}

// NormalizeTagIDs returns a sorted, de-duplicated copy of ids.
func NormalizeTagIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CleanPath normalizes a folder path to "/a/b" form. The root is "/".
func CleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// PathWithin reports whether p equals root or lies below it.
func PathWithin(p, root string) bool {
	p, root = CleanPath(p), CleanPath(root)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// SplitSecretPath splits "/a/b/KEY" into folder "/a/b" and key "KEY".
func SplitSecretPath(full string) (folder, key string) {
	dir, key := path.Split(CleanPath(full))
	return CleanPath(dir), key
}
