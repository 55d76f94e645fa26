// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package model

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	glm "github.com/go-gl/mathgl/mgl32"
	"github.com/juju/errors"
)

type objCorner struct {
	v, vt, vn int
}

// DecodeObj reads a Wavefront OBJ payload. Polygons are triangulated
// as fans and every distinct position/uv/normal combination becomes
// one vertex.
func DecodeObj(data []byte) (*Mesh, error) {
	var (
		positions []glm.Vec3
		uvs       []glm.Vec2
		normals   []glm.Vec3
		mesh      Mesh
		corners   = make(map[objCorner]uint32)
		useUV     bool
		useNormal bool
	)

	vertex := func(c objCorner) uint32 {
		if idx, ok := corners[c]; ok {
			return idx
		}
		idx := uint32(len(mesh.Positions))
		corners[c] = idx
		mesh.Positions = append(mesh.Positions, positions[c.v])
		if c.vt >= 0 {
			mesh.UVs = append(mesh.UVs, uvs[c.vt])
		} else {
			mesh.UVs = append(mesh.UVs, glm.Vec2{})
		}
		if c.vn >= 0 {
			mesh.Normals = append(mesh.Normals, normals[c.vn])
		} else {
			mesh.Normals = append(mesh.Normals, glm.Vec3{})
		}
		return idx
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			f, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, errors.Annotatef(err, "obj line %d", line)
			}
			positions = append(positions, glm.Vec3{f[0], f[1], f[2]})
		case "vt":
			f, err := parseFloats(fields[1:], 2)
			if err != nil {
				return nil, errors.Annotatef(err, "obj line %d", line)
			}
			uvs = append(uvs, glm.Vec2{f[0], f[1]})
		case "vn":
			f, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, errors.Annotatef(err, "obj line %d", line)
			}
			normals = append(normals, glm.Vec3{f[0], f[1], f[2]})
		case "f":
			if len(fields) < 4 {
				return nil, errors.NotValidf("obj line %d: face with %d corners", line, len(fields)-1)
			}
			face := make([]uint32, 0, len(fields)-1)
			for _, token := range fields[1:] {
				c, err := parseCorner(token, len(positions), len(uvs), len(normals))
				if err != nil {
					return nil, errors.Annotatef(err, "obj line %d", line)
				}
				useUV = useUV || c.vt >= 0
				useNormal = useNormal || c.vn >= 0
				face = append(face, vertex(c))
			}
			for i := 1; i+1 < len(face); i++ {
				mesh.Indices = append(mesh.Indices, face[0], face[i], face[i+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotate(err, "obj")
	}
	if len(mesh.Indices) == 0 {
		return nil, errors.NotValidf("obj without faces")
	}
	if !useUV {
		mesh.UVs = nil
	}
	if !useNormal {
		mesh.Normals = nil
	}
	return &mesh, nil
}

func parseFloats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, errors.NotValidf("%d components", len(fields))
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// parseCorner reads v, v/vt, v//vn or v/vt/vn with 1-based or
// negative (relative) indices.
func parseCorner(token string, nv, nvt, nvn int) (objCorner, error) {
	parts := strings.Split(token, "/")
	c := objCorner{v: -1, vt: -1, vn: -1}
	targets := []*int{&c.v, &c.vt, &c.vn}
	counts := []int{nv, nvt, nvn}
	for i, p := range parts {
		if i >= len(targets) {
			return c, errors.NotValidf("face corner %q", token)
		}
		if p == "" {
			continue
		}
		idx, err := strconv.Atoi(p)
		if err != nil {
			return c, errors.NotValidf("face corner %q", token)
		}
		if idx < 0 {
			idx = counts[i] + idx
		} else {
			idx--
		}
		if idx < 0 || idx >= counts[i] {
			return c, errors.NotValidf("face corner %q out of range", token)
		}
		*targets[i] = idx
	}
	if c.v < 0 {
		return c, errors.NotValidf("face corner %q without position", token)
	}
	return c, nil
}
