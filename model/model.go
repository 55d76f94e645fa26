// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package model decodes mesh payloads (Wavefront OBJ and Collada)
// into geometry ready for upload.
package model

import (
	"encoding/binary"
	"math"
	"path"
	"strings"

	glm "github.com/go-gl/mathgl/mgl32"
	"github.com/juju/errors"

	"github.com/devblok/terrastream/gfx"
)

// Mesh is decoded, indexed triangle geometry. UVs and Normals are
// either empty or have the same length as Positions.
type Mesh struct {
	Positions []glm.Vec3
	UVs       []glm.Vec2
	Normals   []glm.Vec3
	Indices   []uint32
}

// Decode picks the mesh format by the name's extension.
// Anything but .dae is read as OBJ.
func Decode(name string, data []byte) (*Mesh, error) {
	if strings.EqualFold(path.Ext(stripQuery(name)), ".dae") {
		return ImportCollada(data)
	}
	return DecodeObj(data)
}

func stripQuery(name string) string {
	if idx := strings.IndexAny(name, "?#"); idx >= 0 {
		return name[:idx]
	}
	return name
}

// FaceMode infers the topology of the mesh, see InferFaceMode.
func (m *Mesh) FaceMode() gfx.FaceMode {
	return InferFaceMode(m.Indices)
}

// InferFaceMode counts the distinct vertex indices of every triangle
// and returns the smallest count found. Degenerate triangles make the
// whole mesh lines or points.
func InferFaceMode(indices []uint32) gfx.FaceMode {
	mode := gfx.FaceTriangles
	for idx := 0; idx+2 < len(indices); idx += 3 {
		a, b, c := indices[idx], indices[idx+1], indices[idx+2]
		distinct := gfx.FaceTriangles
		switch {
		case a == b && b == c:
			distinct = gfx.FacePoints
		case a == b || b == c || a == c:
			distinct = gfx.FaceLines
		}
		if distinct < mode {
			mode = distinct
		}
	}
	return mode
}

// Bounds returns the axis aligned box enclosing all positions.
func (m *Mesh) Bounds() (lo, hi glm.Vec3) {
	if len(m.Positions) == 0 {
		return
	}
	lo, hi = m.Positions[0], m.Positions[0]
	for _, p := range m.Positions[1:] {
		for i := 0; i < 3; i++ {
			lo[i] = float32(math.Min(float64(lo[i]), float64(p[i])))
			hi[i] = float32(math.Max(float64(hi[i]), float64(p[i])))
		}
	}
	return lo, hi
}

// Spec interleaves the mesh into a gfx.MeshSpec.
func (m *Mesh) Spec() (*gfx.MeshSpec, error) {
	if len(m.Positions) == 0 || len(m.Indices) == 0 {
		return nil, errors.NotValidf("empty mesh")
	}
	if len(m.Indices)%3 != 0 {
		return nil, errors.NotValidf("index count %d", len(m.Indices))
	}
	for _, i := range m.Indices {
		if int(i) >= len(m.Positions) {
			return nil, errors.NotValidf("index %d of %d vertices", i, len(m.Positions))
		}
	}

	spec := &gfx.MeshSpec{
		VertexCount: len(m.Positions),
		IndexCount:  len(m.Indices),
		FaceMode:    m.FaceMode(),
	}

	floats := 3
	spec.Attributes[gfx.AttributePosition] = gfx.VertexAttribute{Enable: true, Components: 3}
	hasUV := len(m.UVs) == len(m.Positions)
	if hasUV {
		spec.Attributes[gfx.AttributeUV] = gfx.VertexAttribute{Enable: true, Components: 2, Offset: floats * 4}
		floats += 2
	}
	hasNormal := len(m.Normals) == len(m.Positions)
	if hasNormal {
		spec.Attributes[gfx.AttributeNormal] = gfx.VertexAttribute{Enable: true, Components: 3, Offset: floats * 4}
		floats += 3
	}
	for i := range spec.Attributes {
		if spec.Attributes[i].Enable {
			spec.Attributes[i].Stride = floats * 4
		}
	}

	spec.Vertices = make([]byte, 0, floats*4*len(m.Positions))
	put := func(vs ...float32) {
		for _, v := range vs {
			spec.Vertices = binary.LittleEndian.AppendUint32(spec.Vertices, math.Float32bits(v))
		}
	}
	for i, p := range m.Positions {
		put(p[:]...)
		if hasUV {
			put(m.UVs[i][:]...)
		}
		if hasNormal {
			put(m.Normals[i][:]...)
		}
	}

	if len(m.Positions) <= math.MaxUint16 {
		spec.IndexSize = 2
		spec.Indices = make([]byte, 0, 2*len(m.Indices))
		for _, i := range m.Indices {
			spec.Indices = binary.LittleEndian.AppendUint16(spec.Indices, uint16(i))
		}
	} else {
		spec.IndexSize = 4
		spec.Indices = make([]byte, 0, 4*len(m.Indices))
		for _, i := range m.Indices {
			spec.Indices = binary.LittleEndian.AppendUint32(spec.Indices, i)
		}
	}
	return spec, nil
}
