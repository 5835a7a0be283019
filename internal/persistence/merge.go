package persistence

import (
	"github.com/raphaelgruber/polychat/internal/models"
)

// Source tells which side a collection was taken from during sign-in merge.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// MergePreferences overlays remote preference fields on local ones: every
// field set remotely wins, unset fields fall back to local. Credentials
// merge per provider in the same way.
func MergePreferences(local models.Preferences, remote *models.Preferences) models.Preferences {
	out := local.Clone()
	if remote == nil {
		return out
	}
	r := remote.Clone()

	if r.ProviderID != "" {
		out.ProviderID = r.ProviderID
	}
	if r.ModelID != "" {
		out.ModelID = r.ModelID
	}
	if r.PromptMode != "" {
		out.PromptMode = r.PromptMode
	}
	if r.MemoryEnabled != nil {
		out.MemoryEnabled = r.MemoryEnabled
	}
	if r.WebGrounding != nil {
		out.WebGrounding = r.WebGrounding
	}
	for id, cred := range r.Credentials {
		if cred == "" {
			continue
		}
		if out.Credentials == nil {
			out.Credentials = make(map[string]models.Credential)
		}
		out.Credentials[id] = cred
	}
	if r.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = r.UpdatedAt
	}
	return out
}

// MergeCollection replaces local with remote wholesale when remote is
// non-empty. Otherwise local is kept and must be pushed.
func MergeCollection[T any](local, remote []T) (merged []T, src Source) {
	if len(remote) > 0 {
		return remote, SourceRemote
	}
	return local, SourceLocal
}
