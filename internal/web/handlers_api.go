package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"zigbee-profiles/internal/coordinator"
	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
)

// ProfileView is a profile with its derived commissioning plan.
type ProfileView struct {
	*profile.DeviceProfile
	Scripted    bool                   `json:"scripted"`
	Fingerprint string                 `json:"fingerprint"`
	Properties  []string               `json:"properties"`
	Plan        []profile.EndpointPlan `json:"plan"`
}

func newProfileView(p *profile.DeviceProfile) ProfileView {
	return ProfileView{
		DeviceProfile: p,
		Scripted:      p.Configure != "",
		Fingerprint:   p.Fingerprint(),
		Properties:    p.ExposedProperties(),
		Plan:          p.Plan(),
	}
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	all := s.coord.Profiles().All()
	views := make([]ProfileView, 0, len(all))
	for _, p := range all {
		views = append(views, newProfileView(p))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetProfile(w http.ResponseWriter, r *http.Request) {
	p := s.coord.Profiles().Lookup(r.PathValue("model"))
	if p == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, newProfileView(p))
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeDeviceError(w, ieee, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().Forget(ieee); err != nil {
		s.writeDeviceError(w, ieee, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPICommission(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().Recommission(ieee); err != nil {
		if errors.Is(err, coordinator.ErrNoProfile) {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "no profile for device model"})
			return
		}
		s.writeDeviceError(w, ieee, "recommission", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.clusters.All())
}

// writeDeviceError maps store.ErrNotFound to 404 and logs anything else.
func (s *Server) writeDeviceError(w http.ResponseWriter, ieee, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.logger.Error(op, "err", err, "ieee", ieee)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
