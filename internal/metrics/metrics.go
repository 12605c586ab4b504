package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "download",
			Name:      "total",
			Help:      "Number of artifact acquisitions by result (cached, completed, failed).",
		}, []string{"artifact", "result"},
	)
	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes written to the download cache.",
		}, []string{"artifact"},
	)
	downloadResumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "download",
			Name:      "resumes_total",
			Help:      "Partial downloads continued from their current length.",
		}, []string{"artifact"},
	)
	stagings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "staging",
			Name:      "total",
			Help:      "Artifacts promoted into the production layout, by kind.",
		}, []string{"kind"},
	)
	stagingRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "staging",
			Name:      "repairs_total",
			Help:      "Interrupted expansions detected by marker and redone.",
		},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "unit",
			Name:      "launches_total",
			Help:      "Application processes spawned.",
		}, []string{"port"},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "unit",
			Name:      "kills_total",
			Help:      "Application processes terminated.",
		}, []string{"port"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "unit",
			Name:      "operations_total",
			Help:      "Unit operations by name and result.",
		}, []string{"op", "result"},
	)
	registeredUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "unit",
			Name:      "registered",
			Help:      "Units present in the descriptor file after the last operation.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{downloads, downloadBytes, downloadResumes, stagings, stagingRepairs, launches, kills, operations, registeredUnits}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// WriteTextfile writes everything g gathers in the text exposition format to
// path, for pickup by the node exporter textfile collector. The agent exits
// after each command, so there is no long-lived scrape endpoint.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDownload(artifact, result string) {
	if regOK.Load() {
		downloads.WithLabelValues(artifact, result).Inc()
	}
}

func AddDownloadBytes(artifact string, n int64) {
	if regOK.Load() && n > 0 {
		downloadBytes.WithLabelValues(artifact).Add(float64(n))
	}
}

func IncResume(artifact string) {
	if regOK.Load() {
		downloadResumes.WithLabelValues(artifact).Inc()
	}
}

func IncStaging(kind string) {
	if regOK.Load() {
		stagings.WithLabelValues(kind).Inc()
	}
}

func IncStagingRepair() {
	if regOK.Load() {
		stagingRepairs.Inc()
	}
}

func IncLaunch(port string) {
	if regOK.Load() {
		launches.WithLabelValues(port).Inc()
	}
}

func IncKill(port string) {
	if regOK.Load() {
		kills.WithLabelValues(port).Inc()
	}
}

func IncOperation(op string, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	operations.WithLabelValues(op, result).Inc()
}

func SetRegisteredUnits(n int) {
	if regOK.Load() {
		registeredUnits.Set(float64(n))
	}
}
