// Package diff classifies the differences between two states of a secret tree.
package diff

import (
	"slices"
	"sort"

	"github.com/org/secretflow/pkg/models"
)

// Mode is the classification of one item.
type Mode string

const (
	NoChange Mode = "no-change"
	Created  Mode = "created"
	Modified Mode = "modified"
	Deleted  Mode = "deleted"
)

// Secret is the comparable state of one secret. Values are plaintext.
type Secret struct {
	ID            string                 `json:"id"`
	VersionID     string                 `json:"version_id"`
	Version       int                    `json:"version"`
	FolderPath    string                 `json:"folder_path"`
	Key           string                 `json:"key"`
	Value         string                 `json:"value"`
	ValueOverride string                 `json:"value_override,omitempty"`
	Comment       string                 `json:"comment"`
	TagIDs        []string               `json:"tag_ids"`
	Metadata      []models.MetadataEntry `json:"metadata,omitempty"`
}

// Folder is the comparable state of one folder.
type Folder struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
}

// SecretEntry is one classified secret. Pre is nil for Created, Post for Deleted.
type SecretEntry struct {
	Mode Mode    `json:"mode"`
	ID   string  `json:"id"`
	Pre  *Secret `json:"pre,omitempty"`
	Post *Secret `json:"post,omitempty"`
}

// FolderEntry is one classified folder.
type FolderEntry struct {
	Mode Mode    `json:"mode"`
	ID   string  `json:"id"`
	Pre  *Folder `json:"pre,omitempty"`
	Post *Folder `json:"post,omitempty"`
}

// sameTags compares tag lists as sets.
func sameTags(a, b []string) bool {
	return slices.Equal(models.NormalizeTagIDs(a), models.NormalizeTagIDs(b))
}

// Equal reports whether two secret states carry the same mutable content.
// Version bookkeeping fields are ignored.
func (a Secret) Equal(b Secret) bool {
	return a.Key == b.Key &&
		a.FolderPath == b.FolderPath &&
		a.Value == b.Value &&
		a.ValueOverride == b.ValueOverride &&
		a.Comment == b.Comment &&
		sameTags(a.TagIDs, b.TagIDs) &&
		slices.Equal(a.Metadata, b.Metadata)
}

// Equal reports whether two folder states are the same node.
func (a Folder) Equal(b Folder) bool {
	return a.Name == b.Name && a.Path == b.Path
}

// Secrets classifies every secret of from and to, matched by ID.
// Items only in to are Created, items only in from are Deleted.
func Secrets(from, to []Secret) []SecretEntry {
	byID := make(map[string]*Secret, len(to))
	for i := range to {
		byID[to[i].ID] = &to[i]
	}
	out := make([]SecretEntry, 0, len(from)+len(to))
	seen := make(map[string]bool, len(from))
	for i := range from {
		pre := &from[i]
		seen[pre.ID] = true
		post, ok := byID[pre.ID]
		switch {
		case !ok:
			out = append(out, SecretEntry{Mode: Deleted, ID: pre.ID, Pre: pre})
		case pre.Equal(*post):
			out = append(out, SecretEntry{Mode: NoChange, ID: pre.ID, Pre: pre, Post: post})
		default:
			out = append(out, SecretEntry{Mode: Modified, ID: pre.ID, Pre: pre, Post: post})
		}
	}
	for i := range to {
		if !seen[to[i].ID] {
			out = append(out, SecretEntry{Mode: Created, ID: to[i].ID, Post: &to[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].subject(), out[j].subject()
		if a.FolderPath != b.FolderPath {
			return a.FolderPath < b.FolderPath
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e SecretEntry) subject() *Secret {
	if e.Post != nil {
		return e.Post
	}
	return e.Pre
}

// Folders classifies every folder of from and to, matched by ID.
func Folders(from, to []Folder) []FolderEntry {
	byID := make(map[string]*Folder, len(to))
	for i := range to {
		byID[to[i].ID] = &to[i]
	}
	out := make([]FolderEntry, 0, len(from)+len(to))
	seen := make(map[string]bool, len(from))
	for i := range from {
		pre := &from[i]
		seen[pre.ID] = true
		post, ok := byID[pre.ID]
		switch {
		case !ok:
			out = append(out, FolderEntry{Mode: Deleted, ID: pre.ID, Pre: pre})
		case pre.Equal(*post):
			out = append(out, FolderEntry{Mode: NoChange, ID: pre.ID, Pre: pre, Post: post})
		default:
			out = append(out, FolderEntry{Mode: Modified, ID: pre.ID, Pre: pre, Post: post})
		}
	}
	for i := range to {
		if !seen[to[i].ID] {
			out = append(out, FolderEntry{Mode: Created, ID: to[i].ID, Post: &to[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].path(), out[j].path()
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e FolderEntry) path() string {
	if e.Post != nil {
		return e.Post.Path
	}
	return e.Pre.Path
}

// Changes drops NoChange entries.
func Changes[E SecretEntry | FolderEntry](entries []E) []E {
	out := make([]E, 0, len(entries))
	for _, e := range entries {
		if mode(e) != NoChange {
			out = append(out, e)
		}
	}
	return out
}

func mode[E SecretEntry | FolderEntry](e E) Mode {
	switch v := any(e).(type) {
	case SecretEntry:
		return v.Mode
	case FolderEntry:
		return v.Mode
	}
	return NoChange
}

// Count tallies entries per mode.
func Count(entries []SecretEntry) map[Mode]int {
	out := map[Mode]int{}
	for _, e := range entries {
		out[e.Mode]++
	}
	return out
}

// FromVersion builds the comparable state of a secret version whose values
// have already been decrypted into value and override.
func FromVersion(v *models.SecretVersion, value, override string) Secret {
	return Secret{
		ID:            v.SecretID,
		VersionID:     v.ID,
		Version:       v.Version,
		FolderPath:    v.FolderPath,
		Key:           v.Key,
		Value:         value,
		ValueOverride: override,
		Comment:       v.Comment,
		TagIDs:        slices.Clone(v.TagIDs),
		Metadata:      slices.Clone(v.Metadata),
	}
}

// FromFolderVersion builds the comparable state of a folder version.
func FromFolderVersion(v *models.FolderVersion) Folder {
	return Folder{ID: v.FolderID, VersionID: v.ID, Name: v.Name, Path: v.Path}
}
