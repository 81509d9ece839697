package handlers

import (
	"encoding/base64"
	"net/http"
	"os"
	"strconv"
	"unicode/utf8"
)

// fileRequest carries file content as text in Content, or as base64 in
// ContentBase64 for binary data.
type fileRequest struct {
	Host          string `json:"host"`
	Path          string `json:"path"`
	Content       string `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	Mode          string `json:"mode,omitempty"` // octal, e.g. "0644"
}

type fileContent struct {
	Path          string `json:"path"`
	Content       string `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	Encoding      string `json:"encoding"` // utf-8 or base64
}

// contentOf returns data as text when it is valid UTF-8, base64 otherwise.
func contentOf(path string, data []byte) fileContent {
	if utf8.Valid(data) {
		return fileContent{Path: path, Content: string(data), Encoding: "utf-8"}
	}
	return fileContent{Path: path, ContentBase64: base64.StdEncoding.EncodeToString(data), Encoding: "base64"}
}

// decodeFileRequest decodes the body and requires a path.
func decodeFileRequest(w http.ResponseWriter, r *http.Request) (fileRequest, bool) {
	var req fileRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return req, false
	}
	return req, true
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := m.ListDirectory(r.Context(), d, req.Path)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "entries": entries})
}

func ReadFile(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := m.ReadFile(r.Context(), d, req.Path)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contentOf(req.Path, data))
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}
	data := []byte(req.Content)
	if req.ContentBase64 != "" {
		if req.Content != "" {
			writeError(w, http.StatusBadRequest, "Set content or content_base64, not both")
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid content_base64")
			return
		}
		data = decoded
	}
	var mode os.FileMode
	if req.Mode != "" {
		n, err := strconv.ParseUint(req.Mode, 8, 32)
		if err != nil || n > 0o7777 {
			writeError(w, http.StatusBadRequest, "Invalid mode")
			return
		}
		mode = os.FileMode(n)
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.WriteFile(r.Context(), d, req.Path, data, mode); err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "bytes": len(data)})
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	req, ok := decodeFileRequest(w, r)
	if !ok {
		return
	}
	d, err := resolveHost(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.CreateDirectory(r.Context(), d, req.Path); err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}
