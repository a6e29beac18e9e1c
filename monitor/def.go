package monitor

import (
	"YoloDetServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	OutcomeSuccess     = "success"
	OutcomeBadRequest  = "bad_request"
	OutcomeServerError = "server_error"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	PredictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_requests_total",
		Help: "Total number of predict requests by outcome",
	}, []string{"outcome"})
	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_duration_seconds",
		Help:    "Time spent in the model for one image",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of objects returned to clients",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, PredictTotal, InferenceSeconds, DetectionsTotal)
}

// ObservePredict records the outcome of one predict request.
func ObservePredict(outcome string, inference time.Duration, detections int) {
	PredictTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSuccess {
		return
	}
	InferenceSeconds.Observe(inference.Seconds())
	DetectionsTotal.Add(float64(detections))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func StartMon(port int, ctx context.Context) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Error("monitor: cannot inspect own process", zap.Error(err))
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	logger.Log().Info("metrics listening", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if p != nil {
				checkProcessInfo(p)
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
