package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gluk-w/fleetexec/internal/config"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/logutil"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

type testRequest struct {
	Host string `json:"host"`
}

// TestConnection borrows a connection to one host and runs a trivial command.
// Connection failures are reported in the body with status 200.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	var req testRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := m.Test(r.Context(), d)
	body := map[string]interface{}{
		"status":               "ok",
		"host":                 res.Host,
		"output":               res.Output,
		"latency_ms":           res.Latency.Milliseconds(),
		"host_key_fingerprint": res.HostKeyFingerprint,
	}
	if err != nil {
		body["status"] = "error"
		body["error"] = err.Error()
		body["kind"] = sshpool.Kind(err)
	}
	writeJSON(w, http.StatusOK, body)
}

type execRequest struct {
	Host           string `json:"host"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Exec runs one command on one host. A non-zero exit code is a 200 response.
func Exec(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	var req execRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := m.ExecuteOne(r.Context(), d, req.Command, seconds(req.TimeoutSeconds))
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type execMultiRequest struct {
	Hosts          []string `json:"hosts"`
	Command        string   `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type execMultiResponse struct {
	RunID   string                    `json:"run_id"`
	Total   int                       `json:"total"`
	Failed  int                       `json:"failed"`
	Results map[string]hostResultView `json:"results"`
}

// ExecMulti runs one command on many hosts and returns every host's outcome.
// Per-host failures are reported inside the 200 response.
func ExecMulti(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	var req execMultiRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	hosts, err := resolveHosts(req.Hosts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := m.ExecuteMany(r.Context(), req.Command, hosts, seconds(req.TimeoutSeconds))
	if Auditor != nil {
		Auditor.RecordRun(req.Command, results)
	}

	resp := execMultiResponse{Total: len(results), Results: make(map[string]hostResultView, len(results))}
	for host, hr := range results {
		resp.RunID = hr.RunID
		if !hr.OK() {
			resp.Failed++
		}
		resp.Results[host] = viewOf(hr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamMessage is one websocket frame of a streamed run.
type streamMessage struct {
	Type   string          `json:"type"` // result, done or error
	RunID  string          `json:"run_id,omitempty"`
	Detail string          `json:"detail,omitempty"`
	Total  int             `json:"total,omitempty"`
	Failed int             `json:"failed,omitempty"`
	Result *hostResultView `json:"result,omitempty"`
}

const streamWriteTimeout = 10 * time.Second

// ExecMultiStream upgrades to a websocket, reads one execMultiRequest and
// sends a "result" frame per host as each finishes, then a "done" frame.
// Closing the socket cancels hosts that have not started.
func ExecMultiStream(w http.ResponseWriter, r *http.Request) {
	if Mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Executor not initialized")
		return
	}
	// Same-host origins are always accepted; others must match ALLOWED_ORIGINS.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: config.Cfg.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[api] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	var req execMultiRequest
	if err := wsjson.Read(r.Context(), conn, &req); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}
	if req.Command == "" {
		streamFail(r.Context(), conn, "command is required")
		return
	}
	hosts, err := resolveHosts(req.Hosts)
	if err != nil {
		streamFail(r.Context(), conn, err.Error())
		return
	}

	// The client sends nothing more; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())
	log.Printf("[api] streaming %q to %d host(s)", logutil.Truncate(req.Command), len(hosts))

	var runID string
	failed := 0
	results := Mgr.ExecuteManyStream(ctx, req.Command, hosts, seconds(req.TimeoutSeconds), func(hr executor.HostResult) {
		runID = hr.RunID
		if !hr.OK() {
			failed++
		}
		v := viewOf(hr)
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer cancel()
		if err := wsjson.Write(writeCtx, conn, streamMessage{Type: "result", RunID: hr.RunID, Result: &v}); err != nil {
			log.Printf("[api] stream write for %s failed: %v", logutil.SanitizeForLog(hr.Host), err)
		}
	})
	if Auditor != nil {
		Auditor.RecordRun(req.Command, results)
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	wsjson.Write(writeCtx, conn, streamMessage{Type: "done", RunID: runID, Total: len(results), Failed: failed})
	conn.Close(websocket.StatusNormalClosure, "")
}

func streamFail(ctx context.Context, conn *websocket.Conn, detail string) {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	wsjson.Write(writeCtx, conn, streamMessage{Type: "error", Detail: detail})
	conn.Close(websocket.StatusPolicyViolation, "bad request")
}
