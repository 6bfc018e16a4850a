package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/session"
)

// API serves the operational surface of the headless player: prometheus
// metrics and a session status snapshot.
type API struct {
	session *session.Session
	log     logger.Logger
}

// New builds the HTTP handler.
func New(sess *session.Session, log logger.Logger) http.Handler {
	a := &API{session: sess, log: log.With("api")}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", a.handleStatus)
	return mux
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := a.session.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.log.Warnf("failed to encode status response: %v", err)
	}
}
