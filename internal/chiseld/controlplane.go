package chiseld

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tylermcginnis/chiselstrike/internal/metrics"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
)

// ControlHandler returns the control-plane handler: endpoint and type
// definition, policy loading, status, health, and the metrics
// endpoints, carried over HTTP+JSON.
func (d *Daemon) ControlHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/endpoints", d.handleDefineEndpoint)
	mux.HandleFunc("POST /v1/types", d.handleDefineType)
	mux.HandleFunc("GET /v1/types", d.handleExportTypes)
	mux.HandleFunc("GET /v1/status", d.handleStatus)
	mux.HandleFunc("PUT /v1/policies", d.handleLoadPolicies)
	mux.HandleFunc("POST /v1/policies/reload", d.handleReloadPolicies)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /metrics/json", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/timeseries", metrics.Global().TimeSeriesHandler())

	return mux
}

type defineEndpointRequest struct {
	Path   string `json:"path"`
	Source string `json:"source"`
}

type defineEndpointResponse struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
}

func (d *Daemon) handleDefineEndpoint(w http.ResponseWriter, r *http.Request) {
	var req defineEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}

	version, err := d.DefineEndpoint(req.Path, req.Source)
	resp := defineEndpointResponse{Path: req.Path, Version: version}
	if err != nil {
		// The version still advanced; report it alongside the error so
		// the caller can observe the failed generation.
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type fieldDefPayload struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

type typePayload struct {
	Name      string            `json:"name"`
	FieldDefs []fieldDefPayload `json:"field_defs"`
}

func (d *Daemon) handleDefineType(w http.ResponseWriter, r *http.Request) {
	var req typePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	td := policy.TypeDescriptor{Name: req.Name}
	for _, f := range req.FieldDefs {
		td.Fields = append(td.Fields, policy.FieldDef{Name: f.Name, Label: f.Label})
	}
	if err := d.DefineType(td); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

func (d *Daemon) handleExportTypes(w http.ResponseWriter, r *http.Request) {
	types := d.ExportTypes()
	out := make([]typePayload, 0, len(types))
	for _, td := range types {
		tp := typePayload{Name: td.Name, FieldDefs: []fieldDefPayload{}}
		for _, f := range td.Fields {
			tp.FieldDefs = append(tp.FieldDefs, fieldDefPayload{Name: f.Name, Label: f.Label})
		}
		out = append(out, tp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": out})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": d.Status()})
}

func (d *Daemon) handleLoadPolicies(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	version, err := d.LoadPolicyDoc(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"version": version})
}

func (d *Daemon) handleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if d.cfg.Policy.Path == "" {
		http.Error(w, "no policy file configured", http.StatusConflict)
		return
	}
	if err := d.LoadPolicyFile(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"version": d.policies.CurrentVersion()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
