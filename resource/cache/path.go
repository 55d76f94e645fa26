// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cache

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Segments longer than this are shortened and suffixed with a hash.
const maxSegmentLength = 150

// ConvertNameToPath maps a resource name to a slash separated path
// relative to the cache directory. The scheme is dropped, the host
// becomes the first element and the rest keeps its directory structure.
// Only [A-Za-z0-9.-] survive, everything else becomes '_'. Empty, "."
// and ".." elements are replaced, so the result never leaves the cache.
func ConvertNameToPath(name string) string {
	rest := name
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}

	prefix := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		prefix, rest = rest[:idx], rest[idx+1:]
	}

	segments := strings.Split(rest, "/")
	for i, s := range segments {
		segments[i] = sanitizeSegment(s)
	}
	return sanitizeSegment(prefix) + "/" + strings.Join(segments, "/")
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	switch out {
	case "", ".", "..":
		return "_"
	}
	if len(out) > maxSegmentLength {
		h := fnv.New64a()
		h.Write([]byte(s))
		out = fmt.Sprintf("%s-%016x", out[:maxSegmentLength-17], h.Sum64())
	}
	return out
}
