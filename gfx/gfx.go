// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package gfx defines the boundary between decoded resources and the
// graphics layer that turns them into GPU objects.
package gfx

import "github.com/juju/errors"

// ErrOutOfMemory is returned by an Uploader that cannot allocate
// memory for a resource.
const ErrOutOfMemory = errors.ConstError("out of device memory")

// Releasable defines any memory-occupying item that can be freed.
type Releasable interface {

	// Release releases memory occupied by the implementing structure.
	Release()
}

// Info is returned by an Uploader for every uploaded resource.
type Info struct {

	// Handle is the opaque GPU object, released when the
	// owning resource is evicted. May be nil.
	Handle Releasable

	RAMMemoryCost int64
	GPUMemoryCost int64
}

// Uploader consumes decoded specs and creates GPU objects from them.
// Implementations are called from the data context only.
type Uploader interface {
	LoadTexture(spec *TextureSpec) (Info, error)
	LoadMesh(spec *MeshSpec) (Info, error)
}

// TextureSpec is a decoded, tightly packed image.
type TextureSpec struct {
	Width      int
	Height     int
	Components int
	Buffer     []byte

	// Flipped is set once the rows are stored bottom-up.
	Flipped bool
}

// RowSize is the number of bytes in one row of pixels.
func (s *TextureSpec) RowSize() int {
	return s.Width * s.Components
}

// VerticalFlip reverses the order of rows in place.
func (s *TextureSpec) VerticalFlip() {
	row := s.RowSize()
	if row == 0 || len(s.Buffer) < row*s.Height {
		return
	}
	tmp := make([]byte, row)
	for top, bottom := 0, s.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := s.Buffer[top*row : (top+1)*row]
		b := s.Buffer[bottom*row : (bottom+1)*row]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
	s.Flipped = !s.Flipped
}

// FaceMode is the topology of a mesh.
type FaceMode int

// Face modes match the number of distinct vertices in a facet.
const (
	FacePoints    FaceMode = 1
	FaceLines     FaceMode = 2
	FaceTriangles FaceMode = 3
)

func (f FaceMode) String() string {
	switch f {
	case FacePoints:
		return "points"
	case FaceLines:
		return "lines"
	case FaceTriangles:
		return "triangles"
	}
	return "unknown"
}

// VertexAttribute describes one float attribute interleaved in
// MeshSpec.Vertices. Offset and Stride are in bytes.
type VertexAttribute struct {
	Enable     bool
	Components int
	Offset     int
	Stride     int
}

// Vertex attribute slots.
const (
	AttributePosition = iota
	AttributeUV
	AttributeNormal
	AttributeCount
)

// MeshSpec is decoded mesh geometry. Vertices hold little endian
// float32 values, Indices hold little endian uint16 or uint32 values
// depending on IndexSize.
type MeshSpec struct {
	Vertices    []byte
	Indices     []byte
	VertexCount int
	IndexCount  int
	IndexSize   int
	FaceMode    FaceMode
	Attributes  [AttributeCount]VertexAttribute
}
