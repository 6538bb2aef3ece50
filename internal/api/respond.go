package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ztmesh/ztmesh/internal/core"
)

// writeJSON encodes v with the given status. Encoding failures after the
// header is out can only be logged by the caller's middleware.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error onto the wire. Two kinds carry special
// bodies the agent switches on: NotApproved answers {"status":"pending"} and
// PoolExhausted adds Retry-After so callers back off instead of hammering.
func writeError(w http.ResponseWriter, err error) {
	var ce *core.Error
	if !errors.As(err, &ce) {
		ce = core.Wrap(core.KindUnknown, "INTERNAL", err, "internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	switch ce.Kind {
	case core.KindNotApproved:
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
		return
	case core.KindPoolExhausted:
		w.Header().Set("Retry-After", "300")
	case core.KindTransient:
		w.Header().Set("Retry-After", "5")
	}

	w.WriteHeader(ce.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{
		"error":   ce.Code,
		"message": ce.Message,
	})
}

// decodeJSON parses the request body into dst. A false return means the
// 400 has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, core.Wrap(core.KindInvalidArgument, "BAD_JSON", err, "invalid request body"))
		return false
	}
	return true
}
