package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkspaceSource is what the collector needs to observe grading state at scrape time.
type WorkspaceSource interface {
	OnDisk() (int, error)
	Active() int
	Queued() int
}

type workspaceCollector struct {
	src    WorkspaceSource
	logger *slog.Logger

	onDiskDesc *prometheus.Desc
	activeDesc *prometheus.Desc
	queuedDesc *prometheus.Desc
}

func newWorkspaceCollector(src WorkspaceSource, logger *slog.Logger) *workspaceCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &workspaceCollector{
		src:    src,
		logger: logger,
		onDiskDesc: prometheus.NewDesc(
			"codegrade_workspaces_on_disk",
			"Current number of workspace directories under the workspace root.",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			"codegrade_jobs_active",
			"Current number of evaluation jobs holding a workspace.",
			nil, nil,
		),
		queuedDesc: prometheus.NewDesc(
			"codegrade_jobs_queued",
			"Current number of accepted jobs waiting for a worker.",
			nil, nil,
		),
	}
}

func (c *workspaceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.onDiskDesc
	ch <- c.activeDesc
	ch <- c.queuedDesc
}

func (c *workspaceCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(c.src.Active()))
	ch <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(c.src.Queued()))

	n, err := c.src.OnDisk()
	if err != nil {
		c.logger.Warn("metrics: workspace scan failed", "err", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.onDiskDesc, prometheus.GaugeValue, float64(n))
}

var registerOnce sync.Once

// RegisterWorkspaceCollector registers the collector once per process.
func RegisterWorkspaceCollector(src WorkspaceSource, logger *slog.Logger) {
	if src == nil {
		return
	}
	registerOnce.Do(func() {
		prometheus.MustRegister(newWorkspaceCollector(src, logger))
	})
}
