package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/broadcast"
	"engagement-pricer/internal/pricing"
)

func (a *App) newServer(rt *runtime) *http.Server {
	return &http.Server{
		Addr:              a.Config.App.ListenAddr,
		Handler:           routes(a.Config.App.StreamPath, a.Config.Broadcast.AllowedOrigins, rt.engine, rt.bcast, a.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// routes mounts the live stream and the read-only price views.
func routes(streamPath string, origins []string, engine *pricing.Engine, b *broadcast.Broadcaster, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(streamPath, broadcast.NewHandler(b, origins, logger))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/prices", func(w http.ResponseWriter, _ *http.Request) {
		ids := engine.Assets()
		states := make([]pricing.State, 0, len(ids))
		for _, id := range ids {
			if st, ok := engine.Snapshot(id); ok {
				states = append(states, st)
			}
		}
		writeJSON(w, http.StatusOK, states)
	})

	mux.HandleFunc("GET /v1/prices/{asset}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := engine.Snapshot(r.PathValue("asset"))
		if !ok {
			writeError(w, http.StatusNotFound, pricing.ErrUnknownAsset)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("GET /v1/prices/{asset}/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
				return
			}
			limit = n
		}
		bars, err := engine.GetHistory(r.PathValue("asset"), limit)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, bars)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
