// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics are counters updated by the Manager from any context.
type Statistics struct {
	created      int64
	downloaded   int64
	diskLoaded   int64
	memoryLoaded int64
	localLoaded  int64
	processed    int64
	failed       int64
	ignored      int64
	released     int64
	cacheDropped int64

	currentDownloads int64
	currentResources int64
	currentPreparing int64
	ramMemory        int64
	gpuMemory        int64
	ticks            int64
}

// Snapshot is a point in time copy of Statistics.
type Snapshot struct {
	ResourcesCreated      int64 `json:"resourcesCreated"`
	ResourcesDownloaded   int64 `json:"resourcesDownloaded"`
	ResourcesDiskLoaded   int64 `json:"resourcesDiskLoaded"`
	ResourcesMemoryLoaded int64 `json:"resourcesMemoryLoaded"`
	ResourcesLocalLoaded  int64 `json:"resourcesLocalLoaded"`
	ResourcesProcessed    int64 `json:"resourcesProcessed"`
	ResourcesFailed       int64 `json:"resourcesFailed"`
	ResourcesIgnored      int64 `json:"resourcesIgnored"`
	ResourcesReleased     int64 `json:"resourcesReleased"`
	CacheWritesDropped    int64 `json:"cacheWritesDropped"`
	CurrentDownloads      int64 `json:"currentDownloads"`
	CurrentResources      int64 `json:"currentResources"`
	CurrentPreparing      int64 `json:"currentPreparing"`
	RAMMemory             int64 `json:"ramMemory"`
	GPUMemory             int64 `json:"gpuMemory"`
	RenderTicks           int64 `json:"renderTicks"`
}

// Snapshot reads all counters.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		ResourcesCreated:      atomic.LoadInt64(&s.created),
		ResourcesDownloaded:   atomic.LoadInt64(&s.downloaded),
		ResourcesDiskLoaded:   atomic.LoadInt64(&s.diskLoaded),
		ResourcesMemoryLoaded: atomic.LoadInt64(&s.memoryLoaded),
		ResourcesLocalLoaded:  atomic.LoadInt64(&s.localLoaded),
		ResourcesProcessed:    atomic.LoadInt64(&s.processed),
		ResourcesFailed:       atomic.LoadInt64(&s.failed),
		ResourcesIgnored:      atomic.LoadInt64(&s.ignored),
		ResourcesReleased:     atomic.LoadInt64(&s.released),
		CacheWritesDropped:    atomic.LoadInt64(&s.cacheDropped),
		CurrentDownloads:      atomic.LoadInt64(&s.currentDownloads),
		CurrentResources:      atomic.LoadInt64(&s.currentResources),
		CurrentPreparing:      atomic.LoadInt64(&s.currentPreparing),
		RAMMemory:             atomic.LoadInt64(&s.ramMemory),
		GPUMemory:             atomic.LoadInt64(&s.gpuMemory),
		RenderTicks:           atomic.LoadInt64(&s.ticks),
	}
}

const metricsNamespace = "terrastream_resources"

type statDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(Snapshot) int64
}

// Collector is a prometheus.Collector exposing Statistics.
type Collector struct {
	stats *Statistics
	descs []statDesc
}

// NewCollector returns a Collector reading stats.
func NewCollector(stats *Statistics) *Collector {
	counter := func(name, help string, value func(Snapshot) int64) statDesc {
		return statDesc{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}
	gauge := func(name, help string, value func(Snapshot) int64) statDesc {
		d := counter(name, help, value)
		d.valueType = prometheus.GaugeValue
		return d
	}
	return &Collector{
		stats: stats,
		descs: []statDesc{
			counter("created_total", "Resources created.", func(s Snapshot) int64 { return s.ResourcesCreated }),
			counter("downloaded_total", "Resources fetched from the network.", func(s Snapshot) int64 { return s.ResourcesDownloaded }),
			counter("disk_loaded_total", "Resources read from the disk cache.", func(s Snapshot) int64 { return s.ResourcesDiskLoaded }),
			counter("memory_loaded_total", "Resources read from internal memory.", func(s Snapshot) int64 { return s.ResourcesMemoryLoaded }),
			counter("local_loaded_total", "Resources read from local files.", func(s Snapshot) int64 { return s.ResourcesLocalLoaded }),
			counter("processed_total", "Resources decoded and uploaded.", func(s Snapshot) int64 { return s.ResourcesProcessed }),
			counter("failed_total", "Resources that ended in an error state.", func(s Snapshot) int64 { return s.ResourcesFailed }),
			counter("ignored_total", "Requests for names on the invalid list.", func(s Snapshot) int64 { return s.ResourcesIgnored }),
			counter("released_total", "Resources evicted or purged.", func(s Snapshot) int64 { return s.ResourcesReleased }),
			counter("cache_writes_dropped_total", "Disk cache writes dropped on a full queue.", func(s Snapshot) int64 { return s.CacheWritesDropped }),
			gauge("downloads", "Fetches in flight.", func(s Snapshot) int64 { return s.CurrentDownloads }),
			gauge("resources", "Registered resources.", func(s Snapshot) int64 { return s.CurrentResources }),
			gauge("preparing", "Resources queued for the data context.", func(s Snapshot) int64 { return s.CurrentPreparing }),
			gauge("ram_bytes", "RAM cost of ready resources.", func(s Snapshot) int64 { return s.RAMMemory }),
			gauge("gpu_bytes", "GPU cost of ready resources.", func(s Snapshot) int64 { return s.GPUMemory }),
		},
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, float64(d.value(snap)))
	}
}
