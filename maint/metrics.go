// maint/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsOnce sync.Once

var metricsInstance *Metrics

// Metrics holds the Prometheus counters that maintenance passes update.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	BlocksChecked   prometheus.Counter
	BlocksRefreshed prometheus.Counter
	BlocksDeleted   *prometheus.CounterVec // bkstore_maint_blocks_deleted_total{reason}
	BytesUploaded   prometheus.Counter
	PartsDeleted    prometheus.Counter
	FilesDeleted    prometheus.Counter
	FilesRewritten  prometheus.Counter
	VersionsTrimmed prometheus.Counter
	DirsPruned      prometheus.Counter
	Backfilled      *prometheus.CounterVec // bkstore_maint_backfilled_total{kind}
}

// InitMetrics registers the maintenance metrics with registry, or with
// the default registry if it's nil. Registration happens once; later
// calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		metricsInstance = &Metrics{
			BlocksChecked: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_blocks_checked_total",
				Help: "Blocks examined by the storage repair engine",
			}),
			BlocksRefreshed: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_blocks_refreshed_total",
				Help: "Blocks with at least one storage record re-uploaded",
			}),
			BlocksDeleted: f.NewCounterVec(prometheus.CounterOpts{
				Name: "bkstore_maint_blocks_deleted_total",
				Help: "Blocks removed from the repository",
			}, []string{"reason"}),
			BytesUploaded: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_uploaded_bytes_total",
				Help: "Bytes of block parts re-uploaded while refreshing storage",
			}),
			PartsDeleted: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_parts_deleted_total",
				Help: "Block parts deleted from destinations",
			}),
			FilesDeleted: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_files_deleted_total",
				Help: "File versions removed because they were unreconstructable",
			}),
			FilesRewritten: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_files_rewritten_total",
				Help: "File versions rewritten with invalid locations dropped",
			}),
			VersionsTrimmed: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_versions_trimmed_total",
				Help: "File versions removed by retention policy",
			}),
			DirsPruned: f.NewCounter(prometheus.CounterOpts{
				Name: "bkstore_maint_directories_pruned_total",
				Help: "Directory snapshots removed as redundant",
			}),
			Backfilled: f.NewCounterVec(prometheus.CounterOpts{
				Name: "bkstore_maint_backfilled_total",
				Help: "Records given missing metadata",
			}, []string{"kind"}),
		}
	})
	return metricsInstance
}

// add bumps the counter chosen by sel; sel isn't called on a nil
// receiver.
func (m *Metrics) add(sel func(*Metrics) prometheus.Counter, n int64) {
	if m != nil && n > 0 {
		sel(m).Add(float64(n))
	}
}

func blocksChecked(m *Metrics) prometheus.Counter   { return m.BlocksChecked }
func blocksRefreshed(m *Metrics) prometheus.Counter { return m.BlocksRefreshed }
func bytesUploaded(m *Metrics) prometheus.Counter   { return m.BytesUploaded }
func partsDeleted(m *Metrics) prometheus.Counter    { return m.PartsDeleted }
func filesDeleted(m *Metrics) prometheus.Counter    { return m.FilesDeleted }
func filesRewritten(m *Metrics) prometheus.Counter  { return m.FilesRewritten }
func versionsTrimmed(m *Metrics) prometheus.Counter { return m.VersionsTrimmed }
func dirsPruned(m *Metrics) prometheus.Counter      { return m.DirsPruned }

func (m *Metrics) blockDeleted(reason string) {
	if m != nil {
		m.BlocksDeleted.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) backfilled(kind string) {
	if m != nil {
		m.Backfilled.WithLabelValues(kind).Inc()
	}
}
