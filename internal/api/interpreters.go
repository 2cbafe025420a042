package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/rpc"
)

// createInterpreterRequest is the JSON body for creating an interpreter.
type createInterpreterRequest struct {
	ClassName    string            `json:"class_name"`
	Properties   map[string]string `json:"properties"`
	User         string            `json:"user"`
	SessionScope string            `json:"session_scope"`
	SettingGroup string            `json:"setting_group"`
}

type createInterpreterResponse struct {
	GroupID   string                  `json:"group_id"`
	SessionID string                  `json:"session_id"`
	ClassName string                  `json:"class_name"`
	Process   coordinator.ProcessInfo `json:"process"`
}

type interpretRequest struct {
	Code    string      `json:"code"`
	Context rpc.Context `json:"context"`
}

type contextRequest struct {
	Context rpc.Context `json:"context"`
}

type target struct {
	group, session, class string
}

func targetOf(r *http.Request) target {
	return target{
		group:   chi.URLParam(r, "group"),
		session: chi.URLParam(r, "session"),
		class:   chi.URLParam(r, "class"),
	}
}

func (s *Server) handleCreateInterpreter(w http.ResponseWriter, r *http.Request) {
	var req createInterpreterRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClassName == "" {
		s.writeError(w, http.StatusBadRequest, "class_name is required")
		return
	}
	if req.SessionScope == "" {
		req.SessionScope = launcher.ScopeShared
	}

	t := targetOf(r)
	p, err := s.manager.CreateInterpreter(r.Context(), launcher.Request{
		GroupID:      t.group,
		SessionScope: req.SessionScope,
		SettingGroup: req.SettingGroup,
	}, t.session, req.ClassName, req.Properties, req.User)
	if err != nil {
		s.writeFailure(w, "create interpreter", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createInterpreterResponse{
		GroupID:   t.group,
		SessionID: t.session,
		ClassName: req.ClassName,
		Process:   p.Info(),
	})
}

func (s *Server) handleInterpret(w http.ResponseWriter, r *http.Request) {
	var req interpretRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Context.ParagraphID == "" {
		s.writeError(w, http.StatusBadRequest, "context.paragraph_id is required")
		return
	}

	t := targetOf(r)
	p, err := s.manager.Process(r.Context(), t.group)
	if err != nil {
		s.writeFailure(w, "interpret", err)
		return
	}
	res, err := p.Interpret(r.Context(), t.session, t.class, req.Code, req.Context)
	if err != nil && !errors.Is(err, coordinator.ErrConnectivityLost) {
		s.writeFailure(w, "interpret", err)
		return
	}
	// A lost worker is reported to the caller as an ERROR result.
	observeInterpretResult(t.class, res.Code)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t := targetOf(r)
	p, err := s.manager.Process(r.Context(), t.group)
	if err == nil {
		err = p.Cancel(r.Context(), t.session, t.class, req.Context)
	}
	if err != nil {
		s.writeFailure(w, "cancel", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	ic := rpc.Context{
		NoteID:      r.URL.Query().Get("note_id"),
		ParagraphID: r.URL.Query().Get("paragraph_id"),
	}

	p, err := s.manager.Process(r.Context(), t.group)
	if err != nil {
		s.writeFailure(w, "progress", err)
		return
	}
	progress, err := p.Progress(r.Context(), t.session, t.class, ic)
	if err != nil {
		s.writeFailure(w, "progress", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.ProgressResult{Progress: progress})
}

func (s *Server) handleFormType(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	p, err := s.manager.Process(r.Context(), t.group)
	if err != nil {
		s.writeFailure(w, "form type", err)
		return
	}
	form, err := p.FormType(r.Context(), t.session, t.class)
	if err != nil {
		s.writeFailure(w, "form type", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.FormTypeResult{FormType: form})
}

func (s *Server) handleCloseInterpreter(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if err := s.manager.CloseInterpreter(r.Context(), t.group, t.session, t.class); err != nil {
		s.writeFailure(w, "close interpreter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
