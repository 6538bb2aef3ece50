package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ztmesh/ztmesh/internal/devices"
	"github.com/ztmesh/ztmesh/internal/middleware"
)

func (s *Server) handleDeviceCreate(w http.ResponseWriter, r *http.Request) {
	var params devices.CreateParams
	if !decodeJSON(w, r, &params) {
		return
	}
	created, err := s.devices.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.state.ListDevicesByUser(userID)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.state.ListDevices()})
}

func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if err := s.devices.Revoke(r.Context(), id, adminActor, reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redeem resolves the path token into a profile. Single-use tokens are
// consumed by whichever render is fetched first.
func (s *Server) redeem(w http.ResponseWriter, r *http.Request) (*devices.Profile, bool) {
	token := mux.Vars(r)["token"]
	profile, err := s.devices.Redeem(r.Context(), token, middleware.ClientIP(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return profile, true
}

func (s *Server) handleConfigJSON(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.redeem(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleConfigRaw(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.redeem(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="wg0.conf"`)
	w.Write([]byte(profile.WireGuardText()))
}

func (s *Server) handleConfigQR(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.redeem(w, r)
	if !ok {
		return
	}
	png, err := profile.QRPNG()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
