package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForError maps a leverr.Kind to the HTTP status spec §4.6 assigns
// it. Kinds with no explicit mapping collapse to 500.
func statusForError(err error) int {
	switch leverr.KindOf(err) {
	case leverr.ValidationFailed, leverr.PolicyViolation, leverr.ScopeViolation:
		return http.StatusBadRequest
	case leverr.AuthFailed:
		return http.StatusUnauthorized
	case leverr.NotFound:
		return http.StatusNotFound
	case leverr.Conflict:
		return http.StatusConflict
	case leverr.RateLimited, leverr.TransportFailed, leverr.Timeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(values map[string][]string, key string, def int) int {
	v, ok := values[key]
	if !ok || len(v) == 0 || v[0] == "" {
		return def
	}
	n, err := strconv.Atoi(v[0])
	if err != nil {
		return def
	}
	return n
}
