// Package status serves a small JSON health report and the prometheus
// metrics of the listener.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/logic"
	"github.com/levonmo/mongo-listener/model"
)

const greeting = "Hi!, I'm the mongo listener"

// Reporter exposes the pipeline state shown on the status page.
type Reporter interface {
	State() logic.State
	Backfilling() bool
	QueueDepth() int
	LastPosition() *model.Position
}

type Memory struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heap_inuse"`
	NumGC      uint32 `json:"num_gc"`
}

type LoadAvg struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

type Report struct {
	Message     string   `json:"message"`
	State       string   `json:"state"`
	Backfilling bool     `json:"backfilling"`
	QueueDepth  int      `json:"queue_depth"`
	LastOp      string   `json:"last_op,omitempty"`
	Memory      Memory   `json:"memory"`
	LoadAvg     *LoadAvg `json:"load_avg,omitempty"`
	Goroutines  int      `json:"goroutines"`
}

// Collect builds a report from r and the process statistics.
func Collect(r Reporter) Report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := Report{
		Message:     greeting,
		State:       r.State().String(),
		Backfilling: r.Backfilling(),
		QueueDepth:  r.QueueDepth(),
		Memory: Memory{
			Alloc:      ms.Alloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			HeapInuse:  ms.HeapInuse,
			NumGC:      ms.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
	}
	if pos := r.LastPosition(); pos != nil {
		report.LastOp = pos.String()
	}
	// load averages are unavailable on some platforms
	if avg, err := load.Avg(); err == nil {
		report.LoadAvg = &LoadAvg{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}
	return report
}

// NewRouter returns the status routes: the report on / and the metrics
// gathered from the default registry on /metrics.
func NewRouter(r Reporter) http.Handler {
	router := chi.NewRouter()
	router.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Collect(r)); err != nil {
			log.WithComponent("status").WithError(err).Warn("unable to write status")
		}
	})
	router.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog: log.WithComponent("promhttp"),
		})))
	return router
}

// Serve listens on port until ctx is done.
func Serve(ctx context.Context, port int, r Reporter) error {
	logger := log.WithComponent("status")
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "unable to listen on port %d", port)
	}
	srv := &http.Server{
		Handler:           NewRouter(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("server listening at http://localhost:%d", port)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("status server stopped")
		}
	}()
	return nil
}
