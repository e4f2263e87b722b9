package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxTuningBody bounds PUT /tuning request bodies.
const maxTuningBody = 4096

// Handler serves /metrics from the registry and GET/PUT /tuning on params.
func (m *Metrics) Handler(params *tuning.Params) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/tuning", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut, http.MethodPost:
			var s tuning.Snapshot
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTuningBody))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&s); err != nil {
				http.Error(w, "invalid tuning payload: "+err.Error(), http.StatusBadRequest)
				return
			}
			if s.TargetRate != nil && *s.TargetRate <= 0 {
				http.Error(w, "target_rate must be positive", http.StatusBadRequest)
				return
			}
			params.Apply(s)
			log := logging.Component("metrics")
			log.Info().Interface("tuning", params.Snapshot()).Msg("tuning updated")
		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(params.Snapshot())
	})
	return mux
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	log := logging.Component("metrics")
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics and tuning endpoint")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
