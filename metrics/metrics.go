// Package metrics exposes engine statistics as prometheus metrics.
package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memstone/engine"
)

const namespace = "memstone"

// EngineCollector implements prometheus.Collector over one engine.
type EngineCollector struct {
	engine *engine.Engine

	dataBytes    *prometheus.Desc
	indexBytes   *prometheus.Desc
	quotaUsed    *prometheus.Desc
	quotaTotal   *prometheus.Desc
	tuples       *prometheus.Desc
	spaces       *prometheus.Desc
	delayedFrees *prometheus.Desc
	gcQueue      *prometheus.Desc
	gcToFree     *prometheus.Desc
	checkpoints  *prometheus.Desc
	snapshotRows *prometheus.Desc
	generation   *prometheus.Desc
}

// NewEngineCollector creates a collector over e.
func NewEngineCollector(e *engine.Engine) *EngineCollector {
	return &EngineCollector{
		engine:       e,
		dataBytes:    newDesc("memory", "data_bytes", "Tuple data bytes in use"),
		indexBytes:   newDesc("memory", "index_bytes", "Index extent bytes in use"),
		quotaUsed:    newDesc("memory", "quota_used_bytes", "Arena quota bytes used"),
		quotaTotal:   newDesc("memory", "quota_total_bytes", "Arena quota byte limit"),
		tuples:       newDesc("engine", "tuples", "Live tuples"),
		spaces:       newDesc("engine", "spaces", "Registered spaces"),
		delayedFrees: newDesc("engine", "delayed_frees", "Frees withheld by the in-flight checkpoint"),
		gcQueue:      newDesc("gc", "queue_length", "Pending GC tasks"),
		gcToFree:     newDesc("gc", "deferred_releases", "GC releases deferred past the checkpoint"),
		checkpoints:  newDesc("checkpoint", "completed_total", "Completed checkpoints"),
		snapshotRows: newDesc("checkpoint", "rows_written_total", "Rows written to snapshots"),
		generation:   newDesc("checkpoint", "generation", "Current snapshot generation"),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dataBytes
	ch <- c.indexBytes
	ch <- c.quotaUsed
	ch <- c.quotaTotal
	ch <- c.tuples
	ch <- c.spaces
	ch <- c.delayedFrees
	ch <- c.gcQueue
	ch <- c.gcToFree
	ch <- c.checkpoints
	ch <- c.snapshotRows
	ch <- c.generation
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	mem := c.engine.MemoryStat()
	stats := c.engine.Stats()

	ch <- prometheus.MustNewConstMetric(c.dataBytes, prometheus.GaugeValue, float64(mem.Data))
	ch <- prometheus.MustNewConstMetric(c.indexBytes, prometheus.GaugeValue, float64(mem.Index))
	ch <- prometheus.MustNewConstMetric(c.quotaUsed, prometheus.GaugeValue, float64(stats.QuotaUsed))
	ch <- prometheus.MustNewConstMetric(c.quotaTotal, prometheus.GaugeValue, float64(stats.QuotaTotal))
	ch <- prometheus.MustNewConstMetric(c.tuples, prometheus.GaugeValue, float64(stats.Tuples))
	ch <- prometheus.MustNewConstMetric(c.spaces, prometheus.GaugeValue, float64(stats.Spaces))
	ch <- prometheus.MustNewConstMetric(c.delayedFrees, prometheus.GaugeValue, float64(stats.DelayedFrees))
	ch <- prometheus.MustNewConstMetric(c.gcQueue, prometheus.GaugeValue, float64(stats.GCQueueLen))
	ch <- prometheus.MustNewConstMetric(c.gcToFree, prometheus.GaugeValue, float64(stats.GCToFreeLen))
	ch <- prometheus.MustNewConstMetric(c.checkpoints, prometheus.CounterValue, float64(stats.Checkpoints))
	ch <- prometheus.MustNewConstMetric(c.snapshotRows, prometheus.CounterValue, float64(stats.SnapshotRows))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(stats.Generation))
}

// StartMetricsServer serves the engine's metrics on addr. Empty addr
// disables the server.
func StartMetricsServer(addr string, e *engine.Engine, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewEngineCollector(e))
	reg.MustRegister(prometheus.NewGoCollector())

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Error("Metrics server stopped", "err", err)
		}
	}()
}
