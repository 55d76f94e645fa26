// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/terrastream/gfx"
	"github.com/devblok/terrastream/model"
	"github.com/devblok/terrastream/texture"
)

const fileScheme = "file://"

// errDeferred keeps a resource queued until a download slot frees up.
const errDeferred = errors.ConstError("download limit reached")

type cacheWrite struct {
	name string
	data Buffer
}

// cacheable reports whether the disk cache may serve or store name.
// Metadata in json form is always revalidated.
func (m *Manager) cacheable(name string) bool {
	return m.cache != nil &&
		!strings.HasPrefix(name, fileScheme) &&
		!strings.HasSuffix(name, ".json")
}

// process advances a queued resource in the data context.
func (m *Manager) process(r *Resource) error {
	switch r.State() {
	case Initializing:
		if err := m.acquire(r); err != nil {
			return err
		}
		if r.State() == Downloaded {
			return m.load(r)
		}
	case Downloaded:
		return m.load(r)
	}
	return nil
}

// acquire tries the content sources in priority order. It leaves the
// resource Downloaded, Downloading or in ErrorDownload.
func (m *Manager) acquire(r *Resource) error {
	log := m.logger.WithField("resource", r.name)

	if m.invalid.contains(r.name) {
		atomic.AddInt64(&m.stats.ignored, 1)
		m.failed(r, Initializing, ErrorDownload, errors.Annotatef(TransportFailure, "%s is listed invalid", r.name))
		return nil
	}

	if m.memory != nil && m.memory.Has(r.name) {
		data, err := m.memory.Read(r.name)
		if err == nil {
			if err := r.content.Allocate(len(data)); err != nil {
				m.failed(r, Initializing, ErrorLoad, err)
				return errors.Trace(err)
			}
			copy(r.content.Data(), data)
			if r.transition(Initializing, Downloaded) {
				atomic.AddInt64(&m.stats.memoryLoaded, 1)
				log.Debug("loaded from internal memory")
			}
			return nil
		}
		log.WithError(err).Debug("internal memory miss")
	}

	if m.cacheable(r.name) {
		data, err := m.cache.Read(r.name)
		if err == nil {
			r.content = WrapBuffer(data)
			if r.transition(Initializing, Downloaded) {
				atomic.AddInt64(&m.stats.diskLoaded, 1)
				log.Debug("loaded from disk cache")
			}
			return nil
		}
		if !errors.Is(err, CacheMiss) {
			log.WithError(err).Warn("disk cache read failed")
		}
	}

	if strings.HasPrefix(r.name, fileScheme) {
		data, err := os.ReadFile(strings.TrimPrefix(r.name, fileScheme))
		if err != nil {
			m.failed(r, Initializing, ErrorDownload, errors.WithType(errors.Annotatef(err, "reading %s", r.name), TransportFailure))
			return nil
		}
		r.content = WrapBuffer(data)
		if r.transition(Initializing, Downloaded) {
			atomic.AddInt64(&m.stats.localLoaded, 1)
			log.Debug("loaded from local file")
		}
		return nil
	}

	if !m.downloads.TryAcquire(1) {
		return errDeferred
	}
	if !r.transition(Initializing, Downloading) {
		m.downloads.Release(1)
		return nil
	}
	atomic.AddInt64(&m.stats.currentDownloads, 1)

	headers := make(map[string]string, len(m.config.Headers)+len(r.headers))
	for k, v := range m.config.Headers {
		headers[k] = v
	}
	for k, v := range r.headers {
		headers[k] = v
	}
	task := NewFetchTask(r.name, headers)
	task.Query.AllowRedirects = r.redirects
	task.Query.MaxRedirections = m.config.MaxFetchRedirections
	log.Debug("fetching")
	m.fetcher.Fetch(task, func(task *FetchTask) {
		m.fetchDone(r, task)
	})
	return nil
}

// fetchDone runs on a fetcher goroutine. It must not block.
func (m *Manager) fetchDone(r *Resource, task *FetchTask) {
	reply := &task.Reply
	log := m.logger.WithFields(logrus.Fields{
		"resource": r.name,
		"code":     reply.Code,
	})

	if reply.Redirected() && task.Query.AllowRedirects {
		if reply.Redirections < task.Query.MaxRedirections && r.State() == Downloading {
			log.WithField("location", reply.RedirectURL).Debug("following redirect")
			task.redirect()
			m.fetcher.Fetch(task, func(task *FetchTask) {
				m.fetchDone(r, task)
			})
			return
		}
	}

	defer func() {
		atomic.AddInt64(&m.stats.currentDownloads, -1)
		m.downloads.Release(1)
	}()

	if reply.Redirected() {
		reply.Content.Free()
		err := errors.Annotatef(TransportFailure, "%s: too many redirections (%d)", r.name, reply.Redirections)
		if !task.Query.AllowRedirects {
			err = errors.Annotatef(TransportFailure, "%s: redirected to %s", r.name, reply.RedirectURL)
		}
		m.failed(r, Downloading, ErrorDownload, err)
		return
	}

	if r.availability != nil && !r.availability.Available(reply) {
		reply.Content.Free()
		log.Info("resource reported unavailable")
		m.invalid.addPersistent(r.name)
		m.failed(r, Downloading, ErrorDownload, errors.Annotatef(TransportFailure, "%s failed availability test", r.name))
		return
	}

	if reply.Code != 200 {
		reply.Content.Free()
		err := errors.Annotatef(TransportFailure, "%s: status %d", r.name, reply.Code)
		if reply.Err != nil {
			err = errors.WithType(errors.Annotatef(reply.Err, "%s", r.name), TransportFailure)
		}
		m.invalid.addSession(r.name)
		m.failed(r, Downloading, ErrorDownload, err)
		return
	}

	r.content = reply.Content.Move()
	if m.cacheable(r.name) && r.State() == Downloading {
		select {
		case m.cacheWrites <- cacheWrite{name: r.name, data: r.content.Copy()}:
		default:
			atomic.AddInt64(&m.stats.cacheDropped, 1)
		}
	}
	if !r.transition(Downloading, Downloaded) {
		r.content.Free()
		return
	}
	atomic.AddInt64(&m.stats.downloaded, 1)
	m.enqueue(r)
}

// load decodes the content by kind and hands it to the uploader.
func (m *Manager) load(r *Resource) error {
	log := m.logger.WithFields(logrus.Fields{
		"resource": r.name,
		"kind":     r.kind,
	})
	defer r.content.Free()

	var (
		info gfx.Info
		err  error
	)
	switch r.kind {
	case KindTexture:
		var (
			spec   *gfx.TextureSpec
			format string
		)
		spec, format, err = texture.Decode(r.content.Data())
		if err != nil {
			err = errors.WithType(err, DecodeFailure)
			break
		}
		r.texture = TextureInfo{
			Width:      spec.Width,
			Height:     spec.Height,
			Components: spec.Components,
			Format:     format,
		}
		info, err = m.uploader.LoadTexture(spec)
		err = uploadError(err)
	case KindMesh:
		var (
			mesh *model.Mesh
			spec *gfx.MeshSpec
		)
		mesh, err = model.Decode(r.name, r.content.Data())
		if err == nil {
			spec, err = mesh.Spec()
		}
		if err != nil {
			err = errors.WithType(err, DecodeFailure)
			break
		}
		r.face = spec.FaceMode
		info, err = m.uploader.LoadMesh(spec)
		err = uploadError(err)
	case KindMetadata:
		r.data = r.content.Move()
		info = gfx.Info{RAMMemoryCost: int64(r.data.Size())}
	default:
		err = errors.WithType(errors.NotValidf("resource kind %d", r.kind), DecodeFailure)
	}

	if err != nil {
		log.WithError(err).Error("resource load failed")
		m.failed(r, Downloaded, ErrorLoad, errors.Annotatef(err, "loading %s", r.name))
		return nil
	}

	r.info = info
	if !r.transition(Downloaded, Ready) {
		r.release()
		return nil
	}
	atomic.AddInt64(&m.stats.processed, 1)
	atomic.AddInt64(&m.stats.ramMemory, info.RAMMemoryCost)
	atomic.AddInt64(&m.stats.gpuMemory, info.GPUMemoryCost)
	log.WithField("cost", info.RAMMemoryCost+info.GPUMemoryCost).Debug("resource ready")
	return nil
}

// uploadError types an uploader failure: exhausted memory is an
// AllocationFailure, a rejected spec a DecodeFailure.
func uploadError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gfx.ErrOutOfMemory):
		return errors.WithType(err, AllocationFailure)
	}
	return errors.WithType(err, DecodeFailure)
}

func (m *Manager) failed(r *Resource, from, to State, err error) {
	if r.fail(from, to, err) {
		atomic.AddInt64(&m.stats.failed, 1)
		m.logger.WithField("resource", r.name).WithError(err).Warnf("resource %s", to)
	}
}

// drainCacheWrites persists queued payloads. Failures are only logged.
func (m *Manager) drainCacheWrites() {
	for {
		select {
		case w := <-m.cacheWrites:
			if err := m.cache.Write(w.name, w.data.Data()); err != nil {
				m.logger.WithField("resource", w.name).WithError(err).Warn("disk cache write failed")
			}
			w.data.Free()
		default:
			return
		}
	}
}
