package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/rpc"
)

func TestListProcessesAndCloseGroup(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/processes", nil)
	wantStatus(t, resp, http.StatusOK)
	var list listProcessesResponse
	decodeJSON(t, resp, &list)
	if len(list.Processes) != 0 {
		t.Fatalf("processes = %d, want 0", len(list.Processes))
	}

	createEcho(t, ts.URL)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/processes", nil)
	decodeJSON(t, resp, &list)
	if len(list.Processes) != 1 {
		t.Fatalf("processes = %d, want 1", len(list.Processes))
	}
	if got := list.Processes[0]; got.GroupID != "g1" || got.State != model.ProcessConnected {
		t.Errorf("process = %+v, want g1 CONNECTED", got)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/groups/g1", nil)
	wantStatus(t, resp, http.StatusNoContent)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/processes", nil)
	decodeJSON(t, resp, &list)
	if len(list.Processes) != 0 {
		t.Errorf("processes after close = %d, want 0", len(list.Processes))
	}
}

func TestListResourcesEmpty(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	createEcho(t, ts.URL)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/resources?exclude=other&name=res.*", nil)
	wantStatus(t, resp, http.StatusOK)
	var body rpc.ResourcesResult
	decodeJSON(t, resp, &body)
	if body.Resources == nil || len(body.Resources) != 0 {
		t.Errorf("resources = %#v, want empty set", body.Resources)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found code", rpc.Errorf(rpc.CodeNotFound, "x"), http.StatusNotFound},
		{"invalid argument code", rpc.Errorf(rpc.CodeInvalidArgument, "x"), http.StatusBadRequest},
		{"unavailable code", rpc.Errorf(rpc.CodeUnavailable, "x"), http.StatusServiceUnavailable},
		{"internal code", rpc.Errorf(rpc.CodeInternal, "x"), http.StatusInternalServerError},
		{"unknown group", fmt.Errorf("group %q: %w", "g", coordinator.ErrProcessNotFound), http.StatusNotFound},
		{"launch failed", fmt.Errorf("%w: boom", coordinator.ErrInterpreterUnavailable), http.StatusServiceUnavailable},
		{"lost worker", fmt.Errorf("%w: eof", coordinator.ErrConnectivityLost), http.StatusBadGateway},
		{"plain error", http.ErrAbortHandler, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorStatus(tc.err); got != tc.want {
				t.Errorf("errorStatus = %d, want %d", got, tc.want)
			}
		})
	}
}
