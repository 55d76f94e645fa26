// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"fmt"

	"github.com/juju/errors"
)

// MaxBufferSize is the largest allocation a Buffer accepts.
const MaxBufferSize int64 = 1 << 34

// maxBufferSize is MaxBufferSize, lowered by tests.
var maxBufferSize = MaxBufferSize

// Buffer is an owned byte region. Distinct Buffers never share storage
// unless created with WrapBuffer from a shared slice. The zero value is
// an empty buffer.
type Buffer struct {
	data []byte
}

// WrapBuffer takes ownership of data.
func WrapBuffer(data []byte) Buffer {
	if len(data) == 0 {
		return Buffer{}
	}
	return Buffer{data: data}
}

// Allocate releases the current storage and reserves exactly n zeroed bytes.
func (b *Buffer) Allocate(n int) (err error) {
	b.Free()
	if n < 0 || int64(n) > maxBufferSize {
		return errors.Annotatef(AllocationFailure, "buffer of %d bytes", n)
	}
	if n == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			b.data = nil
			err = errors.Annotatef(AllocationFailure, "buffer of %d bytes: %v", n, r)
		}
	}()
	b.data = make([]byte, n)
	return nil
}

// Free releases the storage. Safe to call on an empty buffer.
func (b *Buffer) Free() {
	b.data = nil
}

// Data returns the storage, nil when empty.
func (b *Buffer) Data() []byte {
	return b.data
}

// Size returns the number of bytes held.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Copy returns a Buffer with independent storage holding the same bytes.
func (b *Buffer) Copy() Buffer {
	if len(b.data) == 0 {
		return Buffer{}
	}
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return Buffer{data: data}
}

// Move transfers the storage to the returned Buffer and leaves b empty.
func (b *Buffer) Move() Buffer {
	moved := Buffer{data: b.data}
	b.data = nil
	return moved
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer(%d bytes)", len(b.data))
}
