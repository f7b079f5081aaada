package proxy

import (
	"encoding/json"
	"net/http"
)

// StatusHandler returns the admin status view of reg.
func StatusHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, reg.Status())
	}
}

// CleanupHandler runs one cleanup pass over reg and returns the report.
func CleanupHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Cleanup(r.Context()))
	}
}

// RegisterAdmin mounts the status and cleanup routes for reg under its
// endpoint name, e.g. GET /proxy/status and POST /proxy/cleanup.
func RegisterAdmin(mux *http.ServeMux, reg *Registry) {
	// Method patterns in ServeMux need Go 1.22; guard the method by hand.
	mux.HandleFunc("/"+reg.Endpoint()+"/status", requireMethod(http.MethodGet, StatusHandler(reg)))
	mux.HandleFunc("/"+reg.Endpoint()+"/cleanup", requireMethod(http.MethodPost, CleanupHandler(reg)))
}

// requireMethod restricts a handler to the given method (plus HEAD for GET),
// matching what a "METHOD /path" ServeMux pattern would enforce.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
