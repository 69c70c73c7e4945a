package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"fleetwan/pkg/auth"
	"fleetwan/pkg/bandwidth"
	"fleetwan/pkg/messaging"
	"fleetwan/pkg/model"
	"fleetwan/pkg/rate"
	"fleetwan/pkg/reconcile"
	"fleetwan/pkg/store"
	"fleetwan/pkg/version"
)

// Deps carries the collaborators the HTTP layer fans requests out to.
type Deps struct {
	Store      store.Store
	Tracker    *bandwidth.Tracker
	Hub        *messaging.Hub
	Governor   *rate.Governor
	Reconciler *reconcile.Reconciler

	// AgentToken authenticates exit-node agents on the ingest endpoint.
	AgentToken string
	// IngestMax / IngestBatchMax bound reports per exit node per window.
	IngestMax      int
	IngestBatchMax int
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Build})
	})

	mux.HandleFunc("/api/v1/bandwidth", func(w http.ResponseWriter, r *http.Request) {
		if !tokenAuth(r, d.AgentToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		nodeName := r.URL.Query().Get("exitNode")
		if nodeName == "" {
			http.Error(w, "exitNode is required", http.StatusBadRequest)
			return
		}
		node, ok, err := d.Store.GetExitNodeByName(nodeName)
		if err != nil || !ok {
			http.Error(w, "unknown exit node", http.StatusNotFound)
			return
		}
		var samples []model.BandwidthSample
		if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if res := d.Governor.CheckRateLimit("exitnode-"+nodeName, "bandwidth", d.IngestMax, d.IngestBatchMax); res.Limited {
			http.Error(w, "rate limited: "+res.Reason, http.StatusTooManyRequests)
			return
		}
		if err := d.Tracker.ProcessBatch(r.Context(), node.ID, samples); err != nil {
			log.Printf("bandwidth batch from %s rejected: %v", nodeName, err)
			http.Error(w, "batch rejected", http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": len(samples)})
	})

	// membership-change hook: user/org mutation services call this after
	// commit to bring the client fleet back in line
	mux.HandleFunc("/api/v1/hooks/user-changed", func(w http.ResponseWriter, r *http.Request) {
		if !tokenAuth(r, d.AgentToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			UserID uint `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}
		sum, err := d.Reconciler.Reconcile(req.UserID, nil)
		if err != nil {
			log.Printf("reconcile user=%d failed: %v", req.UserID, err)
			http.Error(w, "reconciliation failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	// olm keepalive socket; the secret is checked once here, session tokens
	// on every ping
	mux.HandleFunc("/ws/olm", func(w http.ResponseWriter, r *http.Request) {
		olmID := r.URL.Query().Get("olmId")
		secret := r.URL.Query().Get("secret")
		olm, ok, err := d.Store.GetOlm(olmID)
		if err != nil || !ok || !auth.VerifySecret(olm.SecretHash, secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		d.Hub.HandleOlmWS(w, r)
	})
}

func tokenAuth(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	h := r.Header.Get("Authorization")
	return strings.HasPrefix(h, "Bearer ") && strings.TrimPrefix(h, "Bearer ") == token
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
