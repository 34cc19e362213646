package commands

import (
	"encoding/json"
	"net/http"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/download"
	"github.com/amirmatini/offcache/internal/metrics"
	"github.com/amirmatini/offcache/internal/netstate"
	"github.com/amirmatini/offcache/internal/resolver"
)

type statsResponse struct {
	Network       netstate.State `json:"network"`
	AllowCellular bool           `json:"allowCellular"`
	Cache         cache.Stats    `json:"cache"`
	Downloads     download.Stats `json:"downloads"`
}

// diagnosticsHandler serves read-only runtime state.
func diagnosticsHandler(r *resolver.Resolver, sched *download.Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, statsResponse{
			Network:       r.NetworkState(),
			AllowCellular: sched.CellularDownloadsAllowed(),
			Cache:         r.Stats(),
			Downloads:     sched.Stats(),
		})
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, req *http.Request) {
		if ref := req.URL.Query().Get("ref"); ref != "" {
			task, ok := sched.Snapshot(ref)
			if !ok {
				http.Error(w, "no task for ref", http.StatusNotFound)
				return
			}
			writeJSON(w, task)
			return
		}
		writeJSON(w, sched.Tasks())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
