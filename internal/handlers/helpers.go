package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// maxBodyBytes bounds request bodies, including file uploads.
const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeExecError renders an executor error with its kind.
func writeExecError(w http.ResponseWriter, err error) {
	kind := sshpool.Kind(err)
	writeJSON(w, statusForKind(kind), map[string]string{
		"detail": err.Error(),
		"kind":   kind,
	})
}

func statusForKind(kind string) int {
	switch kind {
	case sshpool.KindAuth, sshpool.KindConnect:
		return http.StatusBadGateway
	case sshpool.KindExecTimeout:
		return http.StatusGatewayTimeout
	case sshpool.KindPoolExhausted, sshpool.KindPoolClosed:
		return http.StatusServiceUnavailable
	case sshpool.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// manager returns Mgr or writes 503.
func manager(w http.ResponseWriter) *executor.Manager {
	if Mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Executor not initialized")
		return nil
	}
	return Mgr
}

// resolveHosts expands inventory names, groups and SSH URLs into usable
// descriptors.
func resolveHosts(targets []string) ([]sshpool.HostDescriptor, error) {
	hosts, err := Inv.Resolve(targets)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts given")
	}
	for _, d := range hosts {
		if err := d.WithDefaults().Validate(); err != nil {
			return nil, err
		}
	}
	return hosts, nil
}

func resolveHost(target string) (sshpool.HostDescriptor, error) {
	if target == "" {
		return sshpool.HostDescriptor{}, fmt.Errorf("host is required")
	}
	hosts, err := resolveHosts([]string{target})
	if err != nil {
		return sshpool.HostDescriptor{}, err
	}
	if len(hosts) != 1 {
		return sshpool.HostDescriptor{}, fmt.Errorf("%q selects %d hosts, want one", target, len(hosts))
	}
	return hosts[0], nil
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// hostResultView is the JSON shape of one host's outcome.
type hostResultView struct {
	Host   string                   `json:"host"`
	OK     bool                     `json:"ok"`
	Kind   string                   `json:"kind,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Result *sshpool.ExecutionResult `json:"result,omitempty"`
}

func viewOf(hr executor.HostResult) hostResultView {
	v := hostResultView{Host: hr.Host, OK: hr.OK(), Kind: hr.Kind(), Result: hr.Result}
	if hr.Err != nil {
		v.Error = hr.Err.Error()
	}
	return v
}
