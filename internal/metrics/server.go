package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource supplies the live state reported on /healthz.
type HealthSource interface {
	BrokerLive() bool
	SensorState() string
	QueueLen() int
}

type healthHandler struct {
	src HealthSource
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status        string `json:"status"`
		MQTTConnected bool   `json:"mqtt_connected"`
		SensorState   string `json:"sensor_state"`
		QueueDepth    int    `json:"queue_depth"`
	}
	st := status{
		MQTTConnected: h.src.BrokerLive(),
		SensorState:   h.src.SensorState(),
		QueueDepth:    h.src.QueueLen(),
	}
	switch {
	case st.MQTTConnected && st.SensorState == "ready":
		st.Status = "ok"
	case st.MQTTConnected || st.SensorState == "ready":
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// Serve runs the metrics/health listener until ctx is cancelled.
func Serve(ctx context.Context, addr string, src HealthSource, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", &healthHandler{src: src})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics listener failed", "error", err)
	}
}
