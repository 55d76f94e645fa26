// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/devblok/terrastream/gfx"
	"github.com/devblok/terrastream/resource/cache"
	"github.com/devblok/terrastream/resource/memory"
)

// ErrClosed is returned by operations on a closed Manager.
const ErrClosed = errors.ConstError("resource manager closed")

// Manager owns all live resources of one session.
type Manager struct {
	config   Config
	fetcher  Fetcher
	uploader gfx.Uploader
	cache    *cache.Cache
	memory   *memory.Source
	logger   logrus.FieldLogger

	stats       Statistics
	downloads   *semaphore.Weighted
	invalid     *invalidList
	cacheWrites chan cacheWrite
	tick        uint64

	mutex     sync.Mutex
	closed    bool
	resources map[string]*Resource
	queue     []*Resource
}

// NewManager creates a Manager. The persisted invalid list is
// loaded from the cache root when a cache is given.
func NewManager(params Params) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var invalidPath string
	if params.Cache != nil {
		invalidPath = filepath.Join(params.Cache.Root(), InvalidListFile)
	}
	m := &Manager{
		config:      params.Config,
		fetcher:     params.Fetcher,
		uploader:    params.Uploader,
		cache:       params.Cache,
		memory:      params.Memory,
		logger:      logger.WithField("component", "resources"),
		downloads:   semaphore.NewWeighted(int64(params.Config.MaxConcurrentDownloads)),
		invalid:     newInvalidList(invalidPath),
		cacheWrites: make(chan cacheWrite, params.Config.CacheWriteQueueLength),
		resources:   make(map[string]*Resource),
	}
	if err := m.invalid.load(); err != nil {
		m.logger.WithError(err).Warn("invalid list not loaded")
	}
	return m, nil
}

// Request returns the resource registered under name, creating and
// queueing it on first use. Every call marks the resource as accessed
// in the current render tick and updates its priority when one is given.
func (m *Manager) Request(name string, kind Kind, opts ...Option) *Resource {
	tick := m.Tick()
	o := newOptions(opts)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if r, ok := m.resources[name]; ok {
		r.touch(tick, o)
		return r
	}

	r := newResource(name, kind, o)
	r.touch(tick, o)
	if m.closed {
		r.fail(Initializing, ErrorLoad, ErrClosed)
		return r
	}
	m.resources[name] = r
	atomic.AddInt64(&m.stats.created, 1)
	atomic.AddInt64(&m.stats.currentResources, 1)
	m.enqueueLocked(r)
	return r
}

// Get returns a registered resource without touching it.
func (m *Manager) Get(name string) (*Resource, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	r, ok := m.resources[name]
	return r, ok
}

// Range calls fn for a snapshot of all registered resources until fn
// returns false.
func (m *Manager) Range(fn func(*Resource) bool) {
	m.mutex.Lock()
	all := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		all = append(all, r)
	}
	m.mutex.Unlock()

	for _, r := range all {
		if !fn(r) {
			return
		}
	}
}

// Tick is the current render tick.
func (m *Manager) Tick() uint64 {
	return atomic.LoadUint64(&m.tick)
}

// Statistics returns the live counters.
func (m *Manager) Statistics() *Statistics {
	return &m.stats
}

func (m *Manager) enqueue(r *Resource) {
	m.mutex.Lock()
	m.enqueueLocked(r)
	m.mutex.Unlock()
}

func (m *Manager) enqueueLocked(r *Resource) {
	if m.closed || !atomic.CompareAndSwapInt32(&r.queued, 0, 1) {
		return
	}
	m.queue = append(m.queue, r)
	atomic.StoreInt64(&m.stats.currentPreparing, int64(len(m.queue)))
}

// takeQueue empties the queue and returns it ordered by priority,
// highest first. Equal priorities keep their queue order.
func (m *Manager) takeQueue() []*Resource {
	m.mutex.Lock()
	batch := m.queue
	m.queue = nil
	for _, r := range batch {
		atomic.StoreInt32(&r.queued, 0)
	}
	atomic.StoreInt64(&m.stats.currentPreparing, 0)
	m.mutex.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority() > batch[j].Priority()
	})
	return batch
}

// requeue puts unprocessed resources back ahead of those queued
// meanwhile.
func (m *Manager) requeue(rest []*Resource) {
	if len(rest) == 0 {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	head := make([]*Resource, 0, len(rest)+len(m.queue))
	for _, r := range rest {
		if atomic.CompareAndSwapInt32(&r.queued, 0, 1) {
			head = append(head, r)
		}
	}
	m.queue = append(head, m.queue...)
	atomic.StoreInt64(&m.stats.currentPreparing, int64(len(m.queue)))
}

// DataTick runs one step of the data context: it advances up to
// MaxResourceProcessesPerTick queued resources in priority order and
// persists fetched payloads to the disk cache. Resources waiting for a
// download slot do not count against the limit. The first allocation
// failure is returned.
func (m *Manager) DataTick() error {
	var (
		rest      []*Resource
		firstErr  error
		processed int
	)
	batch := m.takeQueue()
	for i, r := range batch {
		if processed >= m.config.MaxResourceProcessesPerTick {
			rest = append(rest, batch[i:]...)
			break
		}
		err := m.process(r)
		switch {
		case err == nil:
		case errors.Is(err, errDeferred):
			rest = append(rest, r)
			continue
		default:
			m.logger.WithField("resource", r.name).WithError(err).Error("processing failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		processed++
	}
	m.requeue(rest)
	if m.cache != nil {
		m.drainCacheWrites()
	}
	return firstErr
}

// Run calls DataTick every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	for {
		if err := m.DataTick(); err != nil && !errors.Is(err, AllocationFailure) {
			return errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
	}
}

// RenderTick ends the current frame. Failed resources not requested
// for ReleaseDelayTicks are released, then ready resources are evicted
// in least recently used order while their total cost exceeds
// MaxResourcesMemory. Resources that are pinned or were requested in
// the ending frame are kept.
func (m *Manager) RenderTick() {
	tick := m.Tick()

	m.mutex.Lock()
	var (
		total      int64
		candidates []*Resource
	)
	for _, r := range m.resources {
		state := r.State()
		switch {
		case state == Ready:
			total += r.Cost()
			if !r.Pinned() && r.LastAccess() < tick {
				candidates = append(candidates, r)
			}
		case state.Failed():
			if last := r.LastAccess(); !r.Pinned() && last <= tick && tick-last >= m.config.ReleaseDelayTicks {
				m.releaseLocked(r)
			}
		}
	}

	if total > m.config.MaxResourcesMemory {
		sort.Slice(candidates, func(i, j int) bool {
			ai, aj := candidates[i].LastAccess(), candidates[j].LastAccess()
			if ai != aj {
				return ai < aj
			}
			return candidates[i].Cost() > candidates[j].Cost()
		})
		for _, r := range candidates {
			if total <= m.config.MaxResourcesMemory {
				break
			}
			cost := r.Cost()
			if m.releaseLocked(r) {
				total -= cost
			}
		}
	}
	m.mutex.Unlock()

	atomic.AddUint64(&m.tick, 1)
	atomic.AddInt64(&m.stats.ticks, 1)
}

// releaseLocked finalizes a settled resource and removes it.
func (m *Manager) releaseLocked(r *Resource) bool {
	previous := r.State()
	if !previous.Settled() || !r.transition(previous, Finalizing) {
		return false
	}
	if previous == Ready {
		atomic.AddInt64(&m.stats.ramMemory, -r.RAMCost())
		atomic.AddInt64(&m.stats.gpuMemory, -r.GPUCost())
	}
	r.release()
	delete(m.resources, r.name)
	atomic.AddInt64(&m.stats.released, 1)
	atomic.AddInt64(&m.stats.currentResources, -1)
	m.logger.WithFields(logrus.Fields{
		"resource": r.name,
		"state":    previous,
	}).Debug("resource released")
	return true
}

// PurgeCache releases every settled, unpinned resource. A hard purge
// also empties the disk cache and forgets all invalid names.
func (m *Manager) PurgeCache(hard bool) error {
	m.mutex.Lock()
	for _, r := range m.resources {
		if !r.Pinned() {
			m.releaseLocked(r)
		}
	}
	m.mutex.Unlock()

	if !hard {
		return nil
	}
	m.invalid.clear()
	if m.cache != nil {
		if err := m.cache.Purge(); err != nil {
			return errors.Annotate(err, "purging disk cache")
		}
		return errors.Trace(m.invalid.save())
	}
	return nil
}

// Close finalizes all resources and persists the invalid list.
// Fetches still in flight complete into finalized resources and
// are discarded.
func (m *Manager) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	for name, r := range m.resources {
		previous := r.finalize()
		if previous.Settled() {
			if previous == Ready {
				atomic.AddInt64(&m.stats.ramMemory, -r.RAMCost())
				atomic.AddInt64(&m.stats.gpuMemory, -r.GPUCost())
			}
			r.release()
		}
		delete(m.resources, name)
	}
	m.queue = nil
	atomic.StoreInt64(&m.stats.currentResources, 0)
	atomic.StoreInt64(&m.stats.currentPreparing, 0)
	m.mutex.Unlock()

	if m.cache != nil {
		m.drainCacheWrites()
	}
	return errors.Trace(m.invalid.save())
}
