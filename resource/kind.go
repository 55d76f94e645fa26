// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"path"
	"strings"

	"github.com/juju/errors"
)

// Kind selects how a resource payload is decoded.
type Kind int

// Resource kinds.
const (
	KindTexture Kind = iota
	KindMesh
	KindMetadata
)

func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindMesh:
		return "mesh"
	case KindMetadata:
		return "metadata"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "texture":
		return KindTexture, nil
	case "mesh":
		return KindMesh, nil
	case "metadata":
		return KindMetadata, nil
	}
	return 0, errors.NotValidf("resource kind %q", s)
}

// GuessKind picks a kind from the extension of name, ignoring any
// query. Unknown extensions are metadata.
func GuessKind(name string) Kind {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return KindTexture
	case ".obj", ".dae":
		return KindMesh
	}
	return KindMetadata
}
