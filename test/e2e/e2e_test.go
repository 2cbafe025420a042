package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

type binaries struct {
	coordinator string
	worker      string
}

var (
	built     binaries
	buildOnce sync.Once
	buildErr  error
)

func getBinaries(t *testing.T) binaries {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e tests build binaries")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "interplex-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, b := range []struct{ out, pkg string }{
			{"interplex", "./cmd/interplex"},
			{"interplex-worker", "./cmd/interplex-worker"},
		} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, b.out), b.pkg)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", b.pkg, err, out)
				return
			}
		}
		built = binaries{
			coordinator: filepath.Join(dir, "interplex"),
			worker:      filepath.Join(dir, "interplex-worker"),
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return built
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// serverProc holds the running coordinator subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	url    string
}

// kill stops the coordinator without giving it a chance to stop workers.
func (sp *serverProc) kill() {
	sp.cmd.Process.Kill()
	sp.cmd.Wait()
}

func startServer(t *testing.T, bins binaries, recoveryPath string) *serverProc {
	t.Helper()

	addr := freeAddr(t)
	output := &lockedBuffer{}
	cmd := exec.Command(bins.coordinator, "serve")
	cmd.Env = append(os.Environ(),
		"INTERPLEX_LISTEN_ADDR="+addr,
		"INTERPLEX_RECOVERY_BACKEND=file",
		"INTERPLEX_RECOVERY_PATH="+recoveryPath,
		"INTERPLEX_LAUNCHER_WORKER_BIN="+bins.worker,
		"INTERPLEX_LOG_LEVEL=info",
	)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	sp := &serverProc{cmd: cmd, output: output, url: "http://" + addr}
	t.Cleanup(sp.kill)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, output.String())
	return nil
}

func (sp *serverProc) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, sp.url+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// closeGroup stops the worker of group through the coordinator at sp.
func (sp *serverProc) closeGroup(t *testing.T, group string) {
	t.Helper()
	if status, body := sp.do(t, http.MethodDelete, "/v1/groups/"+group, nil); status != http.StatusNoContent {
		t.Errorf("close group: status = %d, body = %s", status, body)
	}
}

type interpretResult struct {
	Code     string `json:"code"`
	Messages []struct {
		Type string `json:"type"`
		Data string `json:"data"`
	} `json:"messages"`
}

func (r interpretResult) text() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Data)
	}
	return sb.String()
}

const interpretersPath = "/v1/groups/g1/sessions/shared/interpreters"

func createShell(t *testing.T, sp *serverProc) {
	t.Helper()
	status, body := sp.do(t, http.MethodPost, interpretersPath, map[string]any{"class_name": "shell"})
	if status != http.StatusCreated {
		t.Fatalf("create interpreter: status = %d, body = %s\noutput:\n%s", status, body, sp.output.String())
	}
}

func interpret(t *testing.T, sp *serverProc, code, paragraph string) interpretResult {
	t.Helper()
	status, body := sp.do(t, http.MethodPost, interpretersPath+"/shell/interpret", map[string]any{
		"code":    code,
		"context": map[string]any{"note_id": "n1", "paragraph_id": paragraph},
	})
	if status != http.StatusOK {
		t.Fatalf("interpret: status = %d, body = %s", status, body)
	}
	var res interpretResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode interpret result: %v", err)
	}
	return res
}

type processInfo struct {
	GroupID   string `json:"group_id"`
	State     string `json:"state"`
	Recovered bool   `json:"recovered"`
}

func listProcesses(t *testing.T, sp *serverProc) []processInfo {
	t.Helper()
	status, body := sp.do(t, http.MethodGet, "/v1/processes", nil)
	if status != http.StatusOK {
		t.Fatalf("list processes: status = %d", status)
	}
	var resp struct {
		Processes []processInfo `json:"processes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode processes: %v", err)
	}
	return resp.Processes
}

// A shell paragraph runs in a worker launched by the coordinator.
func TestShellParagraphThroughWorker(t *testing.T) {
	bins := getBinaries(t)
	sp := startServer(t, bins, filepath.Join(t.TempDir(), "recovery.toml"))

	createShell(t, sp)
	t.Cleanup(func() { sp.closeGroup(t, "g1") })

	res := interpret(t, sp, "echo hello", "p1")
	if res.Code != "SUCCESS" {
		t.Fatalf("code = %q, want SUCCESS (messages %q)", res.Code, res.text())
	}
	if !strings.Contains(res.text(), "hello") {
		t.Errorf("output = %q, want it to contain hello", res.text())
	}

	res = interpret(t, sp, "exit 3", "p2")
	if res.Code != "ERROR" {
		t.Errorf("code = %q, want ERROR", res.Code)
	}

	procs := listProcesses(t, sp)
	if len(procs) != 1 || procs[0].GroupID != "g1" || procs[0].State != "RUNNING" {
		t.Errorf("processes = %+v, want one RUNNING g1", procs)
	}

	status, body := sp.do(t, http.MethodGet, "/metrics", nil)
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	for _, name := range []string{"interplex_http_requests_total", "interplex_coordinator_live_processes", "interplex_interpret_results_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// A worker outlives a coordinator crash and the next coordinator reattaches
// to it from the recovery file.
func TestRestartReattachesWorker(t *testing.T) {
	bins := getBinaries(t)
	recoveryPath := filepath.Join(t.TempDir(), "recovery.toml")

	first := startServer(t, bins, recoveryPath)
	createShell(t, first)
	if res := interpret(t, first, "echo before", "p1"); res.Code != "SUCCESS" {
		t.Fatalf("code = %q, want SUCCESS", res.Code)
	}
	first.kill()

	second := startServer(t, bins, recoveryPath)
	t.Cleanup(func() { second.closeGroup(t, "g1") })

	procs := listProcesses(t, second)
	if len(procs) != 1 || !procs[0].Recovered || procs[0].State != "CONNECTED" {
		t.Fatalf("processes = %+v, want one recovered CONNECTED g1\noutput:\n%s", procs, second.output.String())
	}

	res := interpret(t, second, "echo after", "p2")
	if res.Code != "SUCCESS" || !strings.Contains(res.text(), "after") {
		t.Errorf("result = %+v, want SUCCESS with output after", res)
	}
}

// Configuration errors stop the binary before it serves.
func TestServeRejectsBadConfig(t *testing.T) {
	bins := getBinaries(t)
	cmd := exec.Command(bins.coordinator, "serve")
	cmd.Env = append(os.Environ(), "INTERPLEX_LAUNCHER_KIND=docker")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("serve succeeded with a bad launcher kind\noutput:\n%s", out)
	}
	if !strings.Contains(string(out), "launcher.kind") {
		t.Errorf("output = %q, want it to name launcher.kind", out)
	}
}
