// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	glm "github.com/go-gl/mathgl/mgl32"
	"github.com/juju/errors"

	"github.com/devblok/terrastream/util/collada"
)

type colladaCorner struct {
	pos, normal, uv int
}

// ImportCollada reads the first geometry of a Collada document
// and converts it to a Mesh.
func ImportCollada(fileContents []byte) (*Mesh, error) {
	doc, err := collada.Parse(fileContents)
	if err != nil {
		return nil, errors.Trace(err)
	}

	source := doc.Geometries[0].Mesh
	positions, posOffset, err := source.SourceFor("VERTEX")
	if err != nil {
		return nil, errors.Trace(err)
	}
	normals, normalOffset, normalErr := source.SourceFor("NORMAL")
	uvs, uvOffset, uvErr := source.SourceFor("TEXCOORD")

	stride := source.Triangles.Stride()
	if len(source.Triangles.Index)%(stride*3) != 0 {
		return nil, errors.NotValidf("collada index list of %d with stride %d", len(source.Triangles.Index), stride)
	}

	var (
		mesh    Mesh
		corners = make(map[colladaCorner]uint32)
	)
	for idx := 0; idx < len(source.Triangles.Index)/stride; idx++ {
		tuple := source.Triangles.Index[stride*idx : stride*idx+stride]
		c := colladaCorner{pos: tuple[posOffset], normal: -1, uv: -1}
		if normalErr == nil {
			c.normal = tuple[normalOffset]
		}
		if uvErr == nil {
			c.uv = tuple[uvOffset]
		}

		if v, ok := corners[c]; ok {
			mesh.Indices = append(mesh.Indices, v)
			continue
		}

		pos, err := vec3At(positions.Floats.Data, c.pos)
		if err != nil {
			return nil, errors.Annotate(err, "collada positions")
		}
		v := uint32(len(mesh.Positions))
		corners[c] = v
		mesh.Positions = append(mesh.Positions, pos)
		mesh.Indices = append(mesh.Indices, v)

		if c.normal >= 0 {
			n, err := vec3At(normals.Floats.Data, c.normal)
			if err != nil {
				return nil, errors.Annotate(err, "collada normals")
			}
			mesh.Normals = append(mesh.Normals, n)
		}
		if c.uv >= 0 {
			if 2*c.uv+1 >= len(uvs.Floats.Data) {
				return nil, errors.NotValidf("collada texcoord %d", c.uv)
			}
			mesh.UVs = append(mesh.UVs, glm.Vec2{uvs.Floats.Data[2*c.uv], uvs.Floats.Data[2*c.uv+1]})
		}
	}
	if len(mesh.Indices) == 0 {
		return nil, errors.NotValidf("collada without triangles")
	}
	return &mesh, nil
}

func vec3At(data []float32, idx int) (glm.Vec3, error) {
	if idx < 0 || 3*idx+2 >= len(data) {
		return glm.Vec3{}, errors.NotValidf("index %d of %d floats", idx, len(data))
	}
	return glm.Vec3{data[3*idx], data[3*idx+1], data[3*idx+2]}, nil
}
