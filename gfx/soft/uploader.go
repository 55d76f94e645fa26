// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft

import (
	"github.com/juju/errors"

	"github.com/devblok/terrastream/gfx"
)

// Texture is an uploaded texture.
type Texture struct {
	*Memory
	Width      int
	Height     int
	Components int
}

// Mesh is an uploaded mesh. Vertex and index data share one region.
type Mesh struct {
	*Memory
	VertexCount int
	IndexCount  int
	FaceMode    gfx.FaceMode
}

// Uploader implements gfx.Uploader on top of a MemoryAllocator.
type Uploader struct {
	Allocator *MemoryAllocator
}

// NewUploader creates an Uploader with its own allocator.
func NewUploader(limit int64) *Uploader {
	return &Uploader{Allocator: NewMemoryAllocator(limit)}
}

// LoadTexture implements gfx.Uploader.
func (u *Uploader) LoadTexture(spec *gfx.TextureSpec) (gfx.Info, error) {
	if spec.Width <= 0 || spec.Height <= 0 || len(spec.Buffer) != spec.RowSize()*spec.Height {
		return gfx.Info{}, errors.NotValidf("texture %dx%dx%d with %d bytes", spec.Width, spec.Height, spec.Components, len(spec.Buffer))
	}
	mem, err := u.Allocator.Malloc(len(spec.Buffer))
	if err != nil {
		return gfx.Info{}, errors.Trace(err)
	}
	copy(mem.Bytes(), spec.Buffer)
	return gfx.Info{
		Handle: &Texture{
			Memory:     mem,
			Width:      spec.Width,
			Height:     spec.Height,
			Components: spec.Components,
		},
		GPUMemoryCost: int64(mem.Len()),
	}, nil
}

// LoadMesh implements gfx.Uploader.
func (u *Uploader) LoadMesh(spec *gfx.MeshSpec) (gfx.Info, error) {
	mem, err := u.Allocator.Malloc(len(spec.Vertices) + len(spec.Indices))
	if err != nil {
		return gfx.Info{}, errors.Trace(err)
	}
	n := copy(mem.Bytes(), spec.Vertices)
	copy(mem.Bytes()[n:], spec.Indices)
	return gfx.Info{
		Handle: &Mesh{
			Memory:      mem,
			VertexCount: spec.VertexCount,
			IndexCount:  spec.IndexCount,
			FaceMode:    spec.FaceMode,
		},
		GPUMemoryCost: int64(mem.Len()),
	}, nil
}
