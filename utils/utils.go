package utils

import (
	"github.com/hashicorp/go-version"
)

// CompareVersion reports whether newVersion is strictly greater than
// currentVersion. Segment counts may differ ("4.1" vs "4.0.9").
func CompareVersion(newVersion, currentVersion string) (bool, error) {
	next, err := version.NewVersion(newVersion)
	if err != nil {
		return false, err
	}
	current, err := version.NewVersion(currentVersion)
	if err != nil {
		return false, err
	}
	return next.GreaterThan(current), nil
}
