// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package soft is a headless gfx.Uploader keeping every uploaded
// object in process memory. It stands in for a GPU in tools and tests.
package soft

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/devblok/terrastream/gfx"
)

// ErrOutOfMemory is returned when the allocator limit is reached.
const ErrOutOfMemory = gfx.ErrOutOfMemory

// Memory defines a usable memory region.
type Memory struct {
	released  int32
	data      []byte
	allocator *MemoryAllocator
}

// Len returns the length of assigned memory.
func (m *Memory) Len() int {
	return len(m.data)
}

// Bytes returns the memory region.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Released reports whether Release was called.
func (m *Memory) Released() bool {
	return atomic.LoadInt32(&m.released) == 1
}

// Release returns the region to its allocator. Calling it
// more than once has no effect.
func (m *Memory) Release() {
	if !atomic.CompareAndSwapInt32(&m.released, 0, 1) {
		return
	}
	m.allocator.free(int64(len(m.data)))
	m.data = nil
}

// NewMemoryAllocator creates a new memory allocator. A limit
// of zero means unlimited.
func NewMemoryAllocator(limit int64) *MemoryAllocator {
	return &MemoryAllocator{limit: limit}
}

// MemoryAllocator is responsible for returning usable
// memory for any resources that may need it.
type MemoryAllocator struct {
	mutex       sync.Mutex
	limit       int64
	used        int64
	allocations int64
}

// Malloc returns a usable memory chunk ready for use.
func (ma *MemoryAllocator) Malloc(size int) (*Memory, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid allocation size %d", size)
	}
	ma.mutex.Lock()
	defer ma.mutex.Unlock()
	if ma.limit > 0 && ma.used+int64(size) > ma.limit {
		return nil, errors.Annotatef(ErrOutOfMemory, "allocating %d bytes with %d of %d used", size, ma.used, ma.limit)
	}
	ma.used += int64(size)
	ma.allocations++
	return &Memory{
		data:      make([]byte, size),
		allocator: ma,
	}, nil
}

// Used returns the number of bytes currently allocated.
func (ma *MemoryAllocator) Used() int64 {
	ma.mutex.Lock()
	defer ma.mutex.Unlock()
	return ma.used
}

// Allocations returns the number of live allocations.
func (ma *MemoryAllocator) Allocations() int64 {
	ma.mutex.Lock()
	defer ma.mutex.Unlock()
	return ma.allocations
}

func (ma *MemoryAllocator) free(size int64) {
	ma.mutex.Lock()
	ma.used -= size
	ma.allocations--
	ma.mutex.Unlock()
}
