// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package resource tracks named remote resources through fetch, decode
// and GPU upload, and keeps their total cost within a memory budget.
//
// Two contexts drive a Manager: the data context calls DataTick to
// acquire, decode and upload queued resources, the render context calls
// RenderTick once per frame to evict cold resources. Fetcher callbacks
// run on fetcher goroutines. The state of a Resource is the only field
// shared between contexts; every other field is written by one phase
// before the state store that hands the resource to the next phase.
package resource

import (
	"math"
	"sync/atomic"

	"github.com/devblok/terrastream/gfx"
)

// TextureInfo describes an uploaded texture.
type TextureInfo struct {
	Width      int
	Height     int
	Components int
	Format     string
}

type options struct {
	availability *AvailabilityTest
	headers      map[string]string
	priority     float64
	hasPriority  bool
	noRedirects  bool
}

// Option configures a request.
type Option func(*options)

// WithAvailability attaches an availability test to the fetch.
// Only the request creating the resource applies it.
func WithAvailability(test AvailabilityTest) Option {
	return func(o *options) {
		o.availability = &test
	}
}

// WithHeaders adds headers to the fetch of this resource.
// Only the request creating the resource applies them.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithoutRedirects fails the fetch on a redirect instead of following it.
func WithoutRedirects() Option {
	return func(o *options) {
		o.noRedirects = true
	}
}

// WithPriority sets the processing priority, higher first. Every
// request carrying it replaces the previous value.
func WithPriority(priority float64) Option {
	return func(o *options) {
		o.priority = priority
		o.hasPriority = true
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Resource is one named unit of content. Only Name, Kind, State,
// LastAccess and the pin counter may be read at any time; the
// remaining accessors are meaningful once State reports Ready.
type Resource struct {
	name string
	kind Kind

	state      int32
	lastAccess uint64
	priority   uint64
	pins       int32
	queued     int32

	availability *AvailabilityTest
	headers      map[string]string
	redirects    bool

	content Buffer
	data    Buffer
	info    gfx.Info
	texture TextureInfo
	face    gfx.FaceMode
	err     error
}

func newResource(name string, kind Kind, o options) *Resource {
	r := &Resource{
		name:         name,
		kind:         kind,
		availability: o.availability,
		headers:      o.headers,
		redirects:    !o.noRedirects,
	}
	return r
}

// Name returns the unique resource name.
func (r *Resource) Name() string {
	return r.name
}

// Kind returns the decode variant.
func (r *Resource) Kind() Kind {
	return r.kind
}

// State loads the current state.
func (r *Resource) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// LastAccess is the render tick of the last request.
func (r *Resource) LastAccess() uint64 {
	return atomic.LoadUint64(&r.lastAccess)
}

// Priority is the processing priority of the last request setting one.
func (r *Resource) Priority() float64 {
	return math.Float64frombits(atomic.LoadUint64(&r.priority))
}

// Pin marks the resource as used by an in-flight render. Pinned
// resources are never evicted.
func (r *Resource) Pin() {
	atomic.AddInt32(&r.pins, 1)
}

// Unpin releases a Pin.
func (r *Resource) Unpin() {
	atomic.AddInt32(&r.pins, -1)
}

// Pinned reports an outstanding Pin.
func (r *Resource) Pinned() bool {
	return atomic.LoadInt32(&r.pins) > 0
}

// Handle is the GPU object created for a texture or mesh.
func (r *Resource) Handle() gfx.Releasable {
	return r.info.Handle
}

// RAMCost is the RAM held by the resource.
func (r *Resource) RAMCost() int64 {
	return r.info.RAMMemoryCost
}

// GPUCost is the GPU memory held by the resource.
func (r *Resource) GPUCost() int64 {
	return r.info.GPUMemoryCost
}

// Cost is RAMCost plus GPUCost.
func (r *Resource) Cost() int64 {
	return r.info.RAMMemoryCost + r.info.GPUMemoryCost
}

// Texture describes a texture resource.
func (r *Resource) Texture() TextureInfo {
	return r.texture
}

// FaceMode is the topology of a mesh resource.
func (r *Resource) FaceMode() gfx.FaceMode {
	return r.face
}

// Data is the raw payload of a metadata resource.
func (r *Resource) Data() []byte {
	return r.data.Data()
}

// Err is the failure recorded with an error state.
func (r *Resource) Err() error {
	if !r.State().Failed() {
		return nil
	}
	return r.err
}

func (r *Resource) touch(tick uint64, o options) {
	atomic.StoreUint64(&r.lastAccess, tick)
	if o.hasPriority {
		atomic.StoreUint64(&r.priority, math.Float64bits(o.priority))
	}
}

// transition moves from one state to the next if the
// resource is still in from.
func (r *Resource) transition(from, to State) bool {
	if !from.CanTransition(to) {
		return false
	}
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

// fail records err and moves the resource to an error state.
func (r *Resource) fail(from, to State, err error) bool {
	r.err = err
	return r.transition(from, to)
}

// finalize moves the resource to Finalizing from whatever state it is
// in and returns that state.
func (r *Resource) finalize() State {
	for {
		current := r.State()
		if current == Finalizing {
			return current
		}
		if atomic.CompareAndSwapInt32(&r.state, int32(current), int32(Finalizing)) {
			return current
		}
	}
}

// release frees everything held after finalize.
func (r *Resource) release() {
	if r.info.Handle != nil {
		r.info.Handle.Release()
	}
	r.info = gfx.Info{}
	r.data.Free()
}
