package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/rpc"
)

const maxBodySize = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps a coordinator or worker error onto an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, coordinator.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInterpreterUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrConnectivityLost):
		return http.StatusBadGateway
	case errors.As(err, &rpcErr):
		switch rpcErr.Code {
		case rpc.CodeNotFound:
			return http.StatusNotFound
		case rpc.CodeInvalidArgument:
			return http.StatusBadRequest
		case rpc.CodeUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
