// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/devblok/terrastream/gfx"
	"github.com/devblok/terrastream/gfx/soft"
	"github.com/devblok/terrastream/resource"
	"github.com/devblok/terrastream/resource/cache"
	"github.com/devblok/terrastream/resource/fetcher"
	"github.com/devblok/terrastream/resource/memory"
)

type pendingFetch struct {
	task *resource.FetchTask
	done resource.DoneFunc
}

// manualFetcher holds fetches until the test responds to them.
type manualFetcher struct {
	mutex   sync.Mutex
	pending []pendingFetch
	calls   map[string]int
	total   int
}

func newManualFetcher() *manualFetcher {
	return &manualFetcher{calls: make(map[string]int)}
}

func (f *manualFetcher) Fetch(task *resource.FetchTask, done resource.DoneFunc) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls[task.Query.URL]++
	f.total++
	f.pending = append(f.pending, pendingFetch{task: task, done: done})
}

func (f *manualFetcher) Calls(url string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[url]
}

func (f *manualFetcher) Total() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.total
}

func (f *manualFetcher) Pending() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.pending)
}

// respond completes the oldest pending fetch.
func (f *manualFetcher) respond(c *qt.C, code int, contentType string, data []byte, location string) *resource.FetchTask {
	f.mutex.Lock()
	c.Assert(f.pending, qt.Not(qt.HasLen), 0)
	p := f.pending[0]
	f.pending = f.pending[1:]
	f.mutex.Unlock()

	p.task.Reply.Code = code
	p.task.Reply.ContentType = contentType
	p.task.Reply.Content = resource.WrapBuffer(data)
	p.task.Reply.RedirectURL = location
	p.done(p.task)
	return p.task
}

type fixture struct {
	c        *qt.C
	fetcher  *manualFetcher
	uploader *soft.Uploader
	cache    *cache.Cache
	memory   *memory.Source
	hook     *logtest.Hook
	logger   *logrus.Logger
	manager  *resource.Manager
}

func newFixture(c *qt.C, configure func(*resource.Config)) *fixture {
	cc, err := cache.New(c.TempDir(), nil)
	c.Assert(err, qt.IsNil)
	f := &fixture{
		c:      c,
		cache:  cc,
		memory: memory.New(),
	}
	f.logger, f.hook = logtest.NewNullLogger()
	f.logger.SetLevel(logrus.DebugLevel)
	config := resource.DefaultConfig()
	if configure != nil {
		configure(&config)
	}
	f.restart(config)
	return f
}

// restart replaces the manager with a fresh one sharing cache and memory.
func (f *fixture) restart(config resource.Config) {
	f.fetcher = newManualFetcher()
	f.uploader = soft.NewUploader(0)
	m, err := resource.NewManager(resource.Params{
		Config:   config,
		Fetcher:  f.fetcher,
		Uploader: f.uploader,
		Cache:    f.cache,
		Memory:   f.memory,
		Logger:   f.logger,
	})
	f.c.Assert(err, qt.IsNil)
	f.manager = m
}

func (f *fixture) dataTick() {
	f.c.Assert(f.manager.DataTick(), qt.IsNil)
}

func pngPayload(c *qt.C, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 40), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	c.Assert(png.Encode(&buf, img), qt.IsNil)
	return buf.Bytes()
}

const tileURL = "http://tiles.example.com/12/2048/1024.png"

func TestRequestDeduplicates(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	results := make([]*resource.Resource, 32)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.manager.Request(tileURL, resource.KindTexture)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		c.Assert(r, qt.Equals, results[0])
	}

	for i := 0; i < 3; i++ {
		f.dataTick()
		f.manager.Request(tileURL, resource.KindTexture)
	}
	c.Assert(f.fetcher.Calls(tileURL), qt.Equals, 1)

	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 2, 2), "")
	f.dataTick()
	f.dataTick()
	c.Assert(results[0].State(), qt.Equals, resource.Ready)
	c.Assert(f.fetcher.Total(), qt.Equals, 1)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesCreated, qt.Equals, int64(1))
}

func TestEndToEndTexture(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	r := f.manager.Request(tileURL, resource.KindTexture)
	c.Assert(r.State(), qt.Equals, resource.Initializing)

	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Downloading)
	c.Assert(f.manager.Statistics().Snapshot().CurrentDownloads, qt.Equals, int64(1))

	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 4, 3), "")
	c.Assert(r.State(), qt.Equals, resource.Downloaded)

	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(r.Err(), qt.IsNil)
	c.Assert(r.Texture(), qt.Equals, resource.TextureInfo{Width: 4, Height: 3, Components: 4, Format: "png"})
	c.Assert(r.GPUCost(), qt.Equals, int64(4*3*4))
	c.Assert(r.Handle(), qt.Not(qt.IsNil))
	c.Assert(f.uploader.Allocator.Used(), qt.Equals, int64(48))

	snap := f.manager.Statistics().Snapshot()
	c.Assert(snap.ResourcesDownloaded, qt.Equals, int64(1))
	c.Assert(snap.ResourcesProcessed, qt.Equals, int64(1))
	c.Assert(snap.CurrentDownloads, qt.Equals, int64(0))
	c.Assert(snap.GPUMemory, qt.Equals, int64(48))
}

func TestNotFoundIsNeverRetried(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.ReleaseDelayTicks = 3
	})

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 404, "text/html", []byte("not found"), "")
	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(r.Err(), resource.TransportFailure), qt.IsTrue)

	for i := 0; i < 5; i++ {
		f.dataTick()
		f.manager.RenderTick()
		c.Assert(f.manager.Request(tileURL, resource.KindTexture), qt.Equals, r)
	}
	c.Assert(f.fetcher.Calls(tileURL), qt.Equals, 1)

	for i := 0; i < 3; i++ {
		f.manager.RenderTick()
		_, ok := f.manager.Get(tileURL)
		c.Assert(ok, qt.IsTrue)
	}
	f.manager.RenderTick()
	_, ok := f.manager.Get(tileURL)
	c.Assert(ok, qt.IsFalse)
	c.Assert(r.State(), qt.Equals, resource.Finalizing)

	again := f.manager.Request(tileURL, resource.KindTexture)
	c.Assert(again, qt.Not(qt.Equals), r)
	f.dataTick()
	c.Assert(again.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(f.fetcher.Calls(tileURL), qt.Equals, 1)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesIgnored, qt.Equals, int64(1))
}

func TestTransportErrorReply(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.mutex.Lock()
	f.fetcher.pending[0].task.Reply.Err = errors.New("connection refused")
	f.fetcher.mutex.Unlock()
	f.fetcher.respond(c, 0, "", nil, "")

	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(r.Err(), resource.TransportFailure), qt.IsTrue)
	c.Assert(r.Err(), qt.ErrorMatches, ".*connection refused")
}

func addMetadata(f *fixture, name string, size int) *resource.Resource {
	f.memory.Add(name, make([]byte, size))
	r := f.manager.Request(name, resource.KindMetadata)
	f.dataTick()
	f.c.Assert(r.State(), qt.Equals, resource.Ready)
	return r
}

func registered(m *resource.Manager, name string) bool {
	_, ok := m.Get(name)
	return ok
}

func TestEvictionOrder(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourcesMemory = 250
	})

	a := addMetadata(f, "builtin://a", 100)
	f.manager.RenderTick()
	b := addMetadata(f, "builtin://b", 100)
	f.manager.RenderTick()
	cc := addMetadata(f, "builtin://c", 100)
	f.manager.RenderTick()

	c.Assert(registered(f.manager, "builtin://a"), qt.IsFalse)
	c.Assert(a.State(), qt.Equals, resource.Finalizing)
	c.Assert(b.State(), qt.Equals, resource.Ready)
	c.Assert(cc.State(), qt.Equals, resource.Ready)
	c.Assert(f.manager.Statistics().Snapshot().RAMMemory, qt.Equals, int64(200))
	c.Assert(f.manager.Statistics().Snapshot().ResourcesReleased, qt.Equals, int64(1))
}

func TestEvictionSkipsPinned(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourcesMemory = 250
	})

	a := addMetadata(f, "builtin://a", 100)
	a.Pin()
	f.manager.RenderTick()
	addMetadata(f, "builtin://b", 100)
	f.manager.RenderTick()
	addMetadata(f, "builtin://c", 100)
	f.manager.RenderTick()

	c.Assert(registered(f.manager, "builtin://a"), qt.IsTrue)
	c.Assert(registered(f.manager, "builtin://b"), qt.IsFalse)

	a.Unpin()
	c.Assert(a.Pinned(), qt.IsFalse)
}

func TestEvictionKeepsCurrentFrame(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourcesMemory = 250
	})

	addMetadata(f, "builtin://a", 100)
	addMetadata(f, "builtin://b", 150)
	addMetadata(f, "builtin://c", 120)

	f.manager.RenderTick()
	for _, name := range []string{"builtin://a", "builtin://b", "builtin://c"} {
		c.Assert(registered(f.manager, name), qt.IsTrue)
	}

	// equal access ticks, the larger resource goes first
	f.manager.RenderTick()
	c.Assert(registered(f.manager, "builtin://a"), qt.IsTrue)
	c.Assert(registered(f.manager, "builtin://b"), qt.IsFalse)
	c.Assert(registered(f.manager, "builtin://c"), qt.IsTrue)
}

func TestBudgetInvariant(t *testing.T) {
	c := qt.New(t)
	const budget = 1000
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourcesMemory = budget
		config.MaxResourceProcessesPerTick = 100
	})

	rnd := rand.New(rand.NewSource(7))
	names := make([]string, 30)
	for i := range names {
		names[i] = "builtin://tile/" + string(rune('a'+i))
		f.memory.Add(names[i], make([]byte, 50+rnd.Intn(200)))
	}

	var pinned []*resource.Resource
	for frame := 0; frame < 60; frame++ {
		for _, r := range pinned {
			r.Unpin()
		}
		pinned = pinned[:0]
		for i := 0; i < 6; i++ {
			r := f.manager.Request(names[rnd.Intn(len(names))], resource.KindMetadata)
			if rnd.Intn(4) == 0 {
				r.Pin()
				pinned = append(pinned, r)
			}
		}
		f.dataTick()
		f.manager.RenderTick()

		ended := f.manager.Tick() - 1
		var total int64
		allKept := true
		f.manager.Range(func(r *resource.Resource) bool {
			if r.State() != resource.Ready {
				return true
			}
			total += r.Cost()
			if !r.Pinned() && r.LastAccess() < ended {
				allKept = false
			}
			return true
		})
		if total > budget {
			c.Assert(allKept, qt.IsTrue, qt.Commentf("frame %d: %d bytes over budget with evictable resources", frame, total))
		}
	}
}

func TestDiskCacheServesSecondSession(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	payload := pngPayload(c, 2, 2)

	f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", payload, "")
	f.dataTick()
	c.Assert(f.cache.Exists(tileURL), qt.IsTrue)
	c.Assert(f.manager.Close(), qt.IsNil)

	f.restart(resource.DefaultConfig())
	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(f.fetcher.Total(), qt.Equals, 0)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesDiskLoaded, qt.Equals, int64(1))
}

func TestJSONIsNotCached(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	const name = "http://tiles.example.com/mapConfig.json"

	r := f.manager.Request(name, resource.KindMetadata)
	f.dataTick()
	f.fetcher.respond(c, 200, "application/json", []byte(`{"a":1}`), "")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(string(r.Data()), qt.Equals, `{"a":1}`)
	c.Assert(r.RAMCost(), qt.Equals, int64(7))
	c.Assert(f.cache.Exists(name), qt.IsFalse)
}

func TestCacheWriteFailureIsSoft(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	// a file where the entry needs a directory
	c.Assert(f.cache.Write("http://a.b/c", []byte("x")), qt.IsNil)

	r := f.manager.Request("http://a.b/c/d.png", resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 1, 1), "")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "disk cache write failed" {
			warned = true
		}
	}
	c.Assert(warned, qt.IsTrue)
}

func TestRedirects(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	for i := 0; i < 5; i++ {
		f.fetcher.respond(c, 302, "", nil, tileURL+"?hop="+string(rune('0'+i)))
		c.Assert(r.State(), qt.Equals, resource.Downloading)
	}
	task := f.fetcher.respond(c, 200, "image/png", pngPayload(c, 1, 1), "")
	c.Assert(task.Reply.Redirections, qt.Equals, 5)
	c.Assert(task.Query.URL, qt.Equals, tileURL+"?hop=4")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(f.manager.Statistics().Snapshot().CurrentDownloads, qt.Equals, int64(0))
}

func TestTooManyRedirects(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	for i := 0; i < 6; i++ {
		f.fetcher.respond(c, 301, "", nil, tileURL)
	}
	c.Assert(f.fetcher.Pending(), qt.Equals, 0)
	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(r.Err(), resource.TransportFailure), qt.IsTrue)
	c.Assert(r.Err(), qt.ErrorMatches, ".*too many redirections.*")
}

func TestAvailabilityFailurePersists(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	test := resource.AvailabilityTest{Type: resource.NegativeSize, Size: 10}

	r := f.manager.Request(tileURL, resource.KindTexture, resource.WithAvailability(test))
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", []byte("tiny"), "")
	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(f.manager.Close(), qt.IsNil)

	saved, err := os.ReadFile(filepath.Join(f.cache.Root(), resource.InvalidListFile))
	c.Assert(err, qt.IsNil)
	c.Assert(strings.TrimSpace(string(saved)), qt.Equals, tileURL)

	f.restart(resource.DefaultConfig())
	r = f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(f.fetcher.Total(), qt.Equals, 0)

	c.Assert(f.manager.PurgeCache(true), qt.IsNil)
	r = f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Downloading)
	c.Assert(f.fetcher.Total(), qt.Equals, 1)
}

func TestDownloadLimit(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxConcurrentDownloads = 1
	})
	const other = "http://tiles.example.com/other.png"

	f.manager.Request(tileURL, resource.KindTexture)
	second := f.manager.Request(other, resource.KindTexture)
	f.dataTick()
	f.dataTick()
	c.Assert(f.fetcher.Calls(tileURL), qt.Equals, 1)
	c.Assert(f.fetcher.Calls(other), qt.Equals, 0)
	c.Assert(second.State(), qt.Equals, resource.Initializing)
	c.Assert(f.manager.Statistics().Snapshot().CurrentPreparing, qt.Equals, int64(1))

	f.fetcher.respond(c, 500, "", nil, "")
	f.dataTick()
	c.Assert(f.fetcher.Calls(other), qt.Equals, 1)
	c.Assert(second.State(), qt.Equals, resource.Downloading)
}

func TestDecodeFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", []byte("garbage, not a png"), "")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.ErrorLoad)
	c.Assert(errors.Is(r.Err(), resource.DecodeFailure), qt.IsTrue)
	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "resource load failed" {
			logged = true
		}
	}
	c.Assert(logged, qt.IsTrue)
}

func TestUploadFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	f.uploader.Allocator = soft.NewMemoryAllocator(8)

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 4, 4), "")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.ErrorLoad)
	c.Assert(errors.Is(r.Err(), resource.AllocationFailure), qt.IsTrue)
	c.Assert(errors.Is(r.Err(), soft.ErrOutOfMemory), qt.IsTrue)
}

func TestMeshFromMemory(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	f.memory.Add("builtin://tri.obj", []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"))
	f.memory.Add("builtin://line.obj", []byte("v 0 0 0\nv 1 0 0\nf 1 2 2\n"))

	tri := f.manager.Request("builtin://tri.obj", resource.KindMesh)
	line := f.manager.Request("builtin://line.obj", resource.KindMesh)
	f.dataTick()
	c.Assert(tri.State(), qt.Equals, resource.Ready)
	c.Assert(tri.FaceMode(), qt.Equals, gfx.FaceTriangles)
	c.Assert(tri.GPUCost(), qt.Equals, int64(3*3*4+3*2))
	c.Assert(line.FaceMode(), qt.Equals, gfx.FaceLines)
	c.Assert(f.fetcher.Total(), qt.Equals, 0)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesMemoryLoaded, qt.Equals, int64(2))
}

func TestBrokenMesh(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	f.memory.Add("builtin://broken.obj", []byte("v 0 0 0\nf 1 2 3\n"))

	r := f.manager.Request("builtin://broken.obj", resource.KindMesh)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.ErrorLoad)
	c.Assert(errors.Is(r.Err(), resource.DecodeFailure), qt.IsTrue)
}

func TestLocalFile(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	path := filepath.Join(c.TempDir(), "local.png")
	c.Assert(os.WriteFile(path, pngPayload(c, 3, 3), 0644), qt.IsNil)

	r := f.manager.Request("file://"+path, resource.KindTexture)
	missing := f.manager.Request("file://"+path+".missing", resource.KindTexture)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(r.Texture().Width, qt.Equals, 3)
	c.Assert(missing.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(f.fetcher.Total(), qt.Equals, 0)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesLocalLoaded, qt.Equals, int64(1))
}

func TestPurgeCache(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	c.Assert(f.cache.Write(tileURL, []byte("cached")), qt.IsNil)

	loose := addMetadata(f, "builtin://loose", 10)
	held := addMetadata(f, "builtin://held", 10)
	held.Pin()

	c.Assert(f.manager.PurgeCache(false), qt.IsNil)
	c.Assert(loose.State(), qt.Equals, resource.Finalizing)
	c.Assert(held.State(), qt.Equals, resource.Ready)
	c.Assert(f.cache.Exists(tileURL), qt.IsTrue)

	c.Assert(f.manager.PurgeCache(true), qt.IsNil)
	c.Assert(f.cache.Exists(tileURL), qt.IsFalse)
	c.Assert(registered(f.manager, "builtin://held"), qt.IsTrue)
}

func TestCloseDiscardsInflight(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)

	ready := addMetadata(f, "builtin://ready", 10)
	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Downloading)

	c.Assert(f.manager.Close(), qt.IsNil)
	c.Assert(r.State(), qt.Equals, resource.Finalizing)
	c.Assert(ready.State(), qt.Equals, resource.Finalizing)
	c.Assert(ready.Data(), qt.IsNil)

	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 1, 1), "")
	c.Assert(r.State(), qt.Equals, resource.Finalizing)
	c.Assert(f.manager.DataTick(), qt.IsNil)
	c.Assert(f.uploader.Allocator.Used(), qt.Equals, int64(0))

	late := f.manager.Request("builtin://late", resource.KindMetadata)
	c.Assert(late.State(), qt.Equals, resource.ErrorLoad)
	c.Assert(errors.Is(late.Err(), resource.ErrClosed), qt.IsTrue)
	c.Assert(f.manager.Close(), qt.IsNil)
}

func TestEvictionReleasesHandle(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourcesMemory = 0
	})

	r := f.manager.Request(tileURL, resource.KindTexture)
	f.dataTick()
	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 2, 2), "")
	f.dataTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	c.Assert(f.uploader.Allocator.Used(), qt.Equals, int64(16))

	f.manager.RenderTick()
	c.Assert(r.State(), qt.Equals, resource.Ready)
	f.manager.RenderTick()
	c.Assert(r.State(), qt.Equals, resource.Finalizing)
	c.Assert(f.uploader.Allocator.Used(), qt.Equals, int64(0))
}

func TestRun(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	f.memory.Add("builtin://a", []byte("a"))
	r := f.manager.Request("builtin://a", resource.KindMetadata)

	clk := testclock.NewClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- f.manager.Run(ctx, clk, time.Second)
	}()

	c.Assert(clk.WaitAdvance(time.Second, 10*time.Second, 1), qt.IsNil)
	c.Assert(r.State(), qt.Equals, resource.Ready)

	cancel()
	select {
	case err := <-errc:
		c.Assert(err, qt.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("Run did not return")
	}
}

func TestStatisticsExport(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	addMetadata(f, "builtin://a", 10)
	f.manager.RenderTick()

	reg := prometheus.NewPedanticRegistry()
	c.Assert(reg.Register(resource.NewCollector(f.manager.Statistics())), qt.IsNil)
	families, err := reg.Gather()
	c.Assert(err, qt.IsNil)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	c.Assert(values["terrastream_resources_processed_total"], qt.Equals, float64(1))
	c.Assert(values["terrastream_resources_ram_bytes"], qt.Equals, float64(10))
	c.Assert(values["terrastream_resources_resources"], qt.Equals, float64(1))

	raw, err := json.Marshal(f.manager.Statistics().Snapshot())
	c.Assert(err, qt.IsNil)
	c.Assert(string(raw), qt.Contains, `"resourcesMemoryLoaded":1`)
	c.Assert(string(raw), qt.Contains, `"renderTicks":1`)
}

func TestNewManagerValidates(t *testing.T) {
	c := qt.New(t)
	_, err := resource.NewManager(resource.Params{Config: resource.DefaultConfig()})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	config := resource.DefaultConfig()
	config.MaxConcurrentDownloads = 0
	_, err = resource.NewManager(resource.Params{
		Config:   config,
		Fetcher:  newManualFetcher(),
		Uploader: soft.NewUploader(0),
	})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestFetchTaskCarriesRedirectPolicy(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxFetchRedirections = 3
	})
	const strict = "http://tiles.example.com/strict.png"

	f.manager.Request(tileURL, resource.KindTexture)
	r := f.manager.Request(strict, resource.KindTexture, resource.WithoutRedirects())
	f.dataTick()

	f.fetcher.mutex.Lock()
	c.Assert(f.fetcher.pending, qt.HasLen, 2)
	first, second := f.fetcher.pending[0].task.Query, f.fetcher.pending[1].task.Query
	f.fetcher.mutex.Unlock()
	c.Assert(first.AllowRedirects, qt.IsTrue)
	c.Assert(first.MaxRedirections, qt.Equals, 3)
	c.Assert(second.AllowRedirects, qt.IsFalse)

	f.fetcher.respond(c, 200, "image/png", pngPayload(c, 1, 1), "")
	f.fetcher.respond(c, 302, "", nil, tileURL)
	c.Assert(f.fetcher.Pending(), qt.Equals, 0)
	c.Assert(r.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(r.Err(), resource.TransportFailure), qt.IsTrue)
	c.Assert(r.Err(), qt.ErrorMatches, ".*redirected to "+tileURL+".*")
}

// settle runs data ticks until every resource has settled.
func settle(c *qt.C, m *resource.Manager, rs ...*resource.Resource) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		c.Assert(m.DataTick(), qt.IsNil)
		settled := true
		for _, r := range rs {
			settled = settled && r.State().Settled()
		}
		if settled {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("resources did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPRedirectCap(t *testing.T) {
	c := qt.New(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if err != nil || n <= 0 {
			w.Write([]byte("arrived"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	logger, _ := logtest.NewNullLogger()
	client, err := fetcher.New(fetcher.DefaultConfig(), logger)
	c.Assert(err, qt.IsNil)
	defer client.Close()
	m, err := resource.NewManager(resource.Params{
		Config:   resource.DefaultConfig(),
		Fetcher:  client,
		Uploader: soft.NewUploader(0),
		Logger:   logger,
	})
	c.Assert(err, qt.IsNil)
	defer m.Close()

	near := m.Request(srv.URL+"/hop/5", resource.KindMetadata)
	far := m.Request(srv.URL+"/hop/6", resource.KindMetadata)
	strict := m.Request(srv.URL+"/hop/1", resource.KindMetadata, resource.WithoutRedirects())
	settle(c, m, near, far, strict)

	c.Assert(near.State(), qt.Equals, resource.Ready)
	c.Assert(string(near.Data()), qt.Equals, "arrived")
	c.Assert(far.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(far.Err(), resource.TransportFailure), qt.IsTrue)
	c.Assert(far.Err(), qt.ErrorMatches, ".*too many redirections \\(5\\).*")
	c.Assert(strict.State(), qt.Equals, resource.ErrorDownload)
	c.Assert(errors.Is(strict.Err(), resource.TransportFailure), qt.IsTrue)
}

func TestPriorityOrder(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxResourceProcessesPerTick = 1
	})
	for _, name := range []string{"builtin://a", "builtin://b", "builtin://c"} {
		f.memory.Add(name, []byte(name))
	}

	a := f.manager.Request("builtin://a", resource.KindMetadata, resource.WithPriority(1))
	b := f.manager.Request("builtin://b", resource.KindMetadata, resource.WithPriority(5))
	cc := f.manager.Request("builtin://c", resource.KindMetadata)
	c.Assert(cc.Priority(), qt.Equals, 0.0)

	f.dataTick()
	c.Assert(b.State(), qt.Equals, resource.Ready)
	c.Assert(a.State(), qt.Equals, resource.Initializing)
	c.Assert(cc.State(), qt.Equals, resource.Initializing)

	// a later request raises the priority
	f.manager.Request("builtin://c", resource.KindMetadata, resource.WithPriority(20))
	c.Assert(cc.Priority(), qt.Equals, 20.0)
	f.dataTick()
	c.Assert(cc.State(), qt.Equals, resource.Ready)
	c.Assert(a.State(), qt.Equals, resource.Initializing)

	// requests without a priority keep the last one
	f.manager.Request("builtin://a", resource.KindMetadata)
	c.Assert(a.Priority(), qt.Equals, 1.0)
	f.dataTick()
	c.Assert(a.State(), qt.Equals, resource.Ready)
}

func TestDeferredDownloadsDoNotBlockQueue(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(config *resource.Config) {
		config.MaxConcurrentDownloads = 1
		config.MaxResourceProcessesPerTick = 1
	})
	const other = "http://tiles.example.com/other.png"
	f.memory.Add("builtin://local", []byte("local"))

	f.manager.Request(tileURL, resource.KindTexture, resource.WithPriority(9))
	waiting := f.manager.Request(other, resource.KindTexture, resource.WithPriority(8))
	local := f.manager.Request("builtin://local", resource.KindMetadata)

	f.dataTick()
	c.Assert(f.fetcher.Calls(tileURL), qt.Equals, 1)
	c.Assert(local.State(), qt.Equals, resource.Initializing)

	f.dataTick()
	c.Assert(waiting.State(), qt.Equals, resource.Initializing)
	c.Assert(local.State(), qt.Equals, resource.Ready)
	c.Assert(f.manager.Statistics().Snapshot().CurrentPreparing, qt.Equals, int64(1))
}

type rejectingUploader struct{}

func (rejectingUploader) LoadTexture(spec *gfx.TextureSpec) (gfx.Info, error) {
	return gfx.Info{}, errors.NotValidf("texture layout %dx%d", spec.Width, spec.Height)
}

func (rejectingUploader) LoadMesh(spec *gfx.MeshSpec) (gfx.Info, error) {
	return gfx.Info{}, errors.NotValidf("mesh layout")
}

func TestRejectedSpecIsDecodeFailure(t *testing.T) {
	c := qt.New(t)
	mem := memory.New()
	mem.Add("builtin://t.png", pngPayload(c, 2, 2))
	mem.Add("builtin://tri.obj", []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"))
	logger, _ := logtest.NewNullLogger()
	m, err := resource.NewManager(resource.Params{
		Config:   resource.DefaultConfig(),
		Fetcher:  newManualFetcher(),
		Uploader: rejectingUploader{},
		Memory:   mem,
		Logger:   logger,
	})
	c.Assert(err, qt.IsNil)

	tex := m.Request("builtin://t.png", resource.KindTexture)
	mesh := m.Request("builtin://tri.obj", resource.KindMesh)
	c.Assert(m.DataTick(), qt.IsNil)
	for _, r := range []*resource.Resource{tex, mesh} {
		c.Assert(r.State(), qt.Equals, resource.ErrorLoad)
		c.Assert(errors.Is(r.Err(), resource.DecodeFailure), qt.IsTrue)
		c.Assert(errors.Is(r.Err(), resource.AllocationFailure), qt.IsFalse)
	}
}

func TestMemorySourceAllocationFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, nil)
	f.memory.Add("builtin://large", make([]byte, 64))
	f.memory.Add("builtin://small", make([]byte, 8))
	defer resource.SetMaxBufferSize(16)()

	large := f.manager.Request("builtin://large", resource.KindMetadata)
	small := f.manager.Request("builtin://small", resource.KindMetadata)
	err := f.manager.DataTick()
	c.Assert(errors.Is(err, resource.AllocationFailure), qt.IsTrue)
	c.Assert(large.State(), qt.Equals, resource.ErrorLoad)
	c.Assert(errors.Is(large.Err(), resource.AllocationFailure), qt.IsTrue)
	c.Assert(small.State(), qt.Equals, resource.Ready)
	c.Assert(f.manager.Statistics().Snapshot().ResourcesFailed, qt.Equals, int64(1))

	// never retried
	f.manager.Request("builtin://large", resource.KindMetadata)
	c.Assert(f.manager.DataTick(), qt.IsNil)
	c.Assert(large.State(), qt.Equals, resource.ErrorLoad)
}
