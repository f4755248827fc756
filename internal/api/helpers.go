package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/meshforge/meshforge-maps/internal/geo"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
)

// PathNodeID extracts and validates the {id} path parameter, returning
// the canonical node id.
func PathNodeID(r *http.Request) (string, error) {
	id, err := geo.ValidateNodeID(r.PathValue("id"))
	if err != nil {
		return "", fmt.Errorf("invalid node id")
	}
	return id, nil
}

// QueryInt64 reads an optional integer query parameter. Missing or
// empty yields the default; a malformed value is an error.
func QueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: must be an integer", key)
	}
	return n, nil
}

// QueryLimit reads the limit parameter, clamped to [1, 10000].
func QueryLimit(r *http.Request, defaultVal int) (int, error) {
	if defaultVal <= 0 {
		defaultVal = defaultQueryLimit
	}
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("limit: must be an integer")
	}
	if n < 1 {
		n = 1
	}
	if n > maxQueryLimit {
		n = maxQueryLimit
	}
	return n, nil
}

// QueryStr reads an optional string query parameter.
func QueryStr(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}
