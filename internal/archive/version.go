package archive

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/mod/semver"
)

// FormatVersion is the version written to the VERSION entry.
const FormatVersion = "0.1.0"

// VersionPolicy decides which VERSION values Load accepts.
type VersionPolicy string

const (
	// PolicyExact accepts only FormatVersion.
	PolicyExact VersionPolicy = "exact"

	// PolicyCompatible accepts versions with the same major version (and the
	// same minor version while major is 0) that are not newer than
	// FormatVersion.
	PolicyCompatible VersionPolicy = "compatible"

	// PolicyWarn accepts any well-formed version, logging a warning when the
	// compatible policy would have rejected it.
	PolicyWarn VersionPolicy = "warn"
)

// DefaultVersionPolicy is used when a Codec has no policy set.
const DefaultVersionPolicy = PolicyCompatible

// ValidPolicies lists the accepted policy names.
var ValidPolicies = []VersionPolicy{PolicyExact, PolicyCompatible, PolicyWarn}

// ParsePolicy converts a configuration string into a VersionPolicy.
func ParsePolicy(s string) (VersionPolicy, error) {
	for _, p := range ValidPolicies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid version policy %q: must be one of %v", s, ValidPolicies)
}

// checkVersion applies policy to the VERSION entry content.
// A value that is not a full MAJOR.MINOR.PATCH version is always rejected.
func checkVersion(policy VersionPolicy, raw string, logger *slog.Logger) (string, error) {
	version := strings.TrimSpace(raw)
	canonical := "v" + version
	if version == "" || !semver.IsValid(canonical) || semver.Canonical(canonical) != canonical {
		return "", &FormatError{
			Code:    ErrCodeBadVersion,
			Entry:   EntryVersion,
			Message: fmt.Sprintf("unrecognized format version %q", version),
		}
	}

	switch policy {
	case PolicyExact:
		if semver.Compare(canonical, "v"+FormatVersion) != 0 {
			return "", incompatible(version)
		}
	case PolicyWarn:
		if !compatible(canonical) {
			logger.Warn("loading archive with incompatible format version",
				"version", version,
				"supported", FormatVersion,
			)
		}
	default:
		if !compatible(canonical) {
			return "", incompatible(version)
		}
	}
	return version, nil
}

// compatible reports whether a "v"-prefixed version can be read by this
// implementation of FormatVersion.
func compatible(v string) bool {
	current := "v" + FormatVersion
	if semver.Major(v) != semver.Major(current) {
		return false
	}
	if semver.Major(current) == "v0" && semver.MajorMinor(v) != semver.MajorMinor(current) {
		return false
	}
	return semver.Compare(v, current) <= 0
}

func incompatible(version string) error {
	return &FormatError{
		Code:    ErrCodeIncompatibleVersion,
		Entry:   EntryVersion,
		Message: fmt.Sprintf("format version %s is not supported (current %s)", version, FormatVersion),
	}
}
