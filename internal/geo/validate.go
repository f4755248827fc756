// Package geo validates coordinates and node identifiers at ingest
// boundaries. All functions are pure.
package geo

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidCoordinates reports a rejected lat/lon pair.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	// ErrInvalidNodeID reports a malformed node identifier.
	ErrInvalidNodeID = errors.New("invalid node id")
)

var nodeIDRe = regexp.MustCompile(`^!?[0-9a-fA-F]{1,16}$`)

// ValidateCoordinates returns a canonical (lat, lon) pair. convertInt
// applies the 1e-7 scaling used by integer-scaled positions before the
// checks run. Rejected: NaN, ±Inf, out of WGS84 range, and the exact
// (0, 0) pair that buggy GPS firmware reports before a fix.
func ValidateCoordinates(lat, lon float64, convertInt bool) (float64, float64, error) {
	if convertInt {
		lat /= 1e7
		lon /= 1e7
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return 0, 0, fmt.Errorf("%w: non-finite value", ErrInvalidCoordinates)
	}
	if lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, lat)
	}
	if lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, lon)
	}
	if lat == 0 && lon == 0 {
		return 0, 0, fmt.Errorf("%w: null island", ErrInvalidCoordinates)
	}
	return lat, lon, nil
}

// ValidateNodeID returns the canonical node ID: lowercased hex with the
// optional leading "!" stripped.
func ValidateNodeID(s string) (string, error) {
	if !nodeIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return strings.ToLower(strings.TrimPrefix(s, "!")), nil
}

// NodeIDFromNum renders a numeric node address in canonical hex form.
func NodeIDFromNum(num uint32) string {
	return fmt.Sprintf("%08x", num)
}

// NumFromNodeID parses a canonical node ID back to its numeric address.
func NumFromNodeID(id string) (uint32, error) {
	canonical, err := ValidateNodeID(id)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(canonical, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, id)
	}
	return uint32(n), nil
}
