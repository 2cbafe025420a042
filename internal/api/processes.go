package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/rpc"
)

type listProcessesResponse struct {
	Processes []coordinator.ProcessInfo `json:"processes"`
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listProcessesResponse{Processes: s.manager.Processes()})
}

func (s *Server) handleCloseGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseGroup(r.Context(), chi.URLParam(r, "group")); err != nil {
		s.writeFailure(w, "close group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListResources returns the resources of every worker except the pool
// named by exclude, optionally filtered by an anchored name pattern. Workers
// reach it through their resource connector.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	set, err := s.manager.GetAllResources(r.Context(), q.Get("exclude"))
	if err != nil {
		s.writeFailure(w, "list resources", err)
		return
	}
	if pattern := q.Get("name"); pattern != "" {
		set = set.FilterByNameRegex(pattern)
	}
	if pattern := q.Get("class"); pattern != "" {
		set = set.FilterByClassnameRegex(pattern)
	}
	s.writeJSON(w, http.StatusOK, rpc.ResourcesResult{Resources: set})
}
