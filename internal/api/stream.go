package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/middleware"
)

const streamPingInterval = 25 * time.Second

// planAffecting is the implicit filter for node subscribers: only event
// types that can change a compiled plan. Admin subscribers see everything.
var planAffecting = map[events.Type]bool{
	events.TypeNodeApproved:             true,
	events.TypeNodeSuspended:            true,
	events.TypeNodeResumed:              true,
	events.TypeNodeRevoked:              true,
	events.TypeNodeKeyRotationRequested: true,
	events.TypeNodeKeyRotated:           true,
	events.TypeNetworkPolicyCreated:     true,
	events.TypeNetworkPolicyUpdated:     true,
	events.TypeNetworkPolicyDeleted:     true,
	events.TypeClientDeviceCreated:      true,
	events.TypeClientDeviceRevoked:      true,
	events.TypeIPAllocated:              true,
	events.TypeIPReleased:               true,
	events.TypeTrustScoreChanged:        true,
}

var pingLine = []byte(`{"type":"ping"}` + "\n")

// handleEventStream serves the NDJSON feed. With since_id the caller
// replays from that cursor before going live; without it the stream starts
// at the current tip. Subscribers that fall behind the bus are healed by
// re-reading the store from their cursor, so delivery is at-least-once in
// id order either way.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, core.Errorf(core.KindInvariant, "STREAM_UNSUPPORTED", "response writer cannot stream"))
		return
	}

	cursor := s.state.LastAppliedID()
	if v := r.URL.Query().Get("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_CURSOR", "since_id must be a non-negative integer"))
			return
		}
		cursor = n
	}

	_, isNode := middleware.NodeFrom(r.Context())
	wants := func(ev *events.Event) bool {
		return !isNode || planAffecting[ev.Type]
	}

	// Subscribe before the catch-up read so nothing slips between them;
	// the cursor dedupes the overlap.
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor, err := s.streamFrom(w, flusher, r, cursor, wants)
	if err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if sub.Lagged() {
				cursor, err = s.streamFrom(w, flusher, r, cursor, wants)
				if err != nil {
					return
				}
				sub.Reset()
				continue
			}
			if ev.ID <= cursor || !wants(ev) {
				continue
			}
			line, lerr := ev.NDJSON()
			if lerr != nil {
				continue
			}
			if _, werr := w.Write(line); werr != nil {
				return
			}
			cursor = ev.ID
			flusher.Flush()
		case <-ticker.C:
			if _, werr := w.Write(pingLine); werr != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamFrom writes every stored event past cursor and returns the new
// cursor. Filtered events still advance it.
func (s *Server) streamFrom(w http.ResponseWriter, flusher http.Flusher, r *http.Request, cursor int64, wants func(*events.Event) bool) (int64, error) {
	evs, err := s.store.ReadFrom(r.Context(), cursor, 0)
	if err != nil {
		return cursor, err
	}
	for _, ev := range evs {
		cursor = ev.ID
		if !wants(ev) {
			continue
		}
		line, lerr := ev.NDJSON()
		if lerr != nil {
			continue
		}
		if _, werr := w.Write(line); werr != nil {
			return cursor, werr
		}
	}
	flusher.Flush()
	return cursor, nil
}
