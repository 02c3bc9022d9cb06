package main

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/cloudalign/align"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *align.StateTracker, proj align.Projection, logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugw("http request", "path", r.URL.Path, "remote", r.RemoteAddr)
		working, _ := stateTracker.Clouds()
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasCloud  bool      `json:"hasCloud"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasCloud:  len(working) > 0,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warnw("encoding health status failed", "error", err)
		}
	})

	// Alignment progress
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(stateTracker.Status()); err != nil {
			logger.Warnw("encoding status failed", "error", err)
		}
	})

	mux.HandleFunc("/frame.svg", func(w http.ResponseWriter, r *http.Request) {
		working, target, ok := currentClouds(w, stateTracker)
		if !ok {
			return
		}
		renderer := align.NewFrameRenderer(target)
		renderer.Projection = proj
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderSVG(w, working); err != nil {
			logger.Warnw("rendering SVG frame failed", "error", err)
		}
	})

	mux.HandleFunc("/frame.png", func(w http.ResponseWriter, r *http.Request) {
		working, target, ok := currentClouds(w, stateTracker)
		if !ok {
			return
		}
		renderer := align.NewRasterRenderer(target)
		renderer.Projection = proj

		label := ""
		if step, ok := stateTracker.LastStep(); ok {
			label = align.StepLabel(step)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.EncodePNG(w, working, label); err != nil {
			logger.Warnw("encoding PNG frame failed", "error", err)
		}
	})

	mux.HandleFunc("/aligned.geojson", func(w http.ResponseWriter, r *http.Request) {
		working, target, ok := currentClouds(w, stateTracker)
		if !ok {
			return
		}
		st := stateTracker.Status()
		summary := &align.Result{Penalty: st.Penalty, Termination: st.Termination, Iterations: st.Iteration}
		fc := align.AlignmentFeatureCollection(working, target, proj, summary)

		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			logger.Warnw("encoding GeoJSON failed", "error", err)
		}
	})

	return mux
}

// currentClouds fetches the clouds to draw, answering 503 when there are none.
func currentClouds(w http.ResponseWriter, st *align.StateTracker) (working, target align.PointCloud, ok bool) {
	working, target = st.Clouds()
	if len(working) == 0 && len(target) == 0 {
		http.Error(w, "No clouds available", http.StatusServiceUnavailable)
		return nil, nil, false
	}
	return working, target, true
}
