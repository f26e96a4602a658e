package extensions

import (
	"strings"
	"time"
)

// SearchCriteria filters extensions. Every non-empty field must match; an
// empty criteria matches everything.
type SearchCriteria struct {
	ExtensionIDs    []string        `json:"extension_ids,omitempty"`
	ContextIDs      []string        `json:"context_ids,omitempty"`
	Names           []string        `json:"names,omitempty"`
	Types           []ExtensionType `json:"types,omitempty"`
	Statuses        []Status        `json:"statuses,omitempty"`
	Categories      []string        `json:"categories,omitempty"`
	Authors         []string        `json:"authors,omitempty"`
	Keywords        []string        `json:"keywords,omitempty"`
	InstalledAfter  *time.Time      `json:"installed_after,omitempty"`
	InstalledBefore *time.Time      `json:"installed_before,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	Offset          int             `json:"offset,omitempty"`
}

// Matches reports whether ext satisfies every filter in c
func (c SearchCriteria) Matches(ext *Extension) bool {
	if ext == nil {
		return false
	}
	if len(c.ExtensionIDs) > 0 && !containsString(c.ExtensionIDs, ext.ExtensionID) {
		return false
	}
	if len(c.ContextIDs) > 0 && !containsString(c.ContextIDs, ext.ContextID) {
		return false
	}
	if len(c.Names) > 0 && !containsString(c.Names, ext.Name) {
		return false
	}
	if len(c.Types) > 0 && !containsType(c.Types, ext.Type) {
		return false
	}
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, ext.Status) {
		return false
	}

	var md Metadata
	if ext.Metadata != nil {
		md = *ext.Metadata
	}
	if len(c.Categories) > 0 && !anyFold(c.Categories, md.Categories) {
		return false
	}
	if len(c.Authors) > 0 && !anyFold(c.Authors, []string{md.Author}) {
		return false
	}
	if len(c.Keywords) > 0 && !anyFold(c.Keywords, md.Keywords) {
		return false
	}

	installed := ext.Lifecycle.InstallDate
	if c.InstalledAfter != nil && installed.Before(*c.InstalledAfter) {
		return false
	}
	if c.InstalledBefore != nil && installed.After(*c.InstalledBefore) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered slice
func (c SearchCriteria) Page(exts []*Extension) []*Extension {
	if c.Offset > 0 {
		if c.Offset >= len(exts) {
			return []*Extension{}
		}
		exts = exts[c.Offset:]
	}
	if c.Limit > 0 && c.Limit < len(exts) {
		exts = exts[:c.Limit]
	}
	return exts
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(list []ExtensionType, v ExtensionType) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, v Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyFold(wanted, have []string) bool {
	for _, w := range wanted {
		for _, h := range have {
			if h != "" && strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
