package extensions

import (
	"regexp"
)

// MaxNameLength bounds extension names
const MaxNameLength = 100

var (
	semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
	nameRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// IsValidVersion reports whether v is a semantic version
func IsValidVersion(v string) bool {
	return semverRegex.MatchString(v)
}

// ValidateName checks the name rules shared by install requests and manifests
func ValidateName(name string) *ValidationError {
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: "name must not exceed 100 characters"}
	}
	if !nameRegex.MatchString(name) {
		return &ValidationError{Field: "name", Message: "name must be lowercase alphanumeric with dots, hyphens or underscores"}
	}
	return nil
}
