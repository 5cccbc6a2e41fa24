package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cverna/browserd/fault"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeFault encodes the taxonomy error body {error:{kind,message,details?}}
// with the status code the kind maps to.
func writeFault(w http.ResponseWriter, err error) {
	fe := fault.From(err)
	writeJSON(w, fault.HTTPStatus(fe.Kind), map[string]any{"error": fe})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// queryTime accepts ISO-8601 or unix seconds. The zero time means "unset".
func queryTime(r *http.Request, key string) time.Time {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
