package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Processes int    `json:"processes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Processes: len(s.manager.Processes()),
	})
}
