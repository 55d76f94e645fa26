// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package memory is a name keyed store of builtin resource payloads.
// A Source is created per session and consulted before any other
// content source.
package memory

import (
	"io"
	"sort"
	"sync"

	"github.com/gobuffalo/packd"
	"github.com/juju/errors"
	"golang.org/x/exp/mmap"

	"github.com/devblok/terrastream/utility/kar"
)

// Box is the part of a packr or packd box used to load a Source.
type Box interface {
	packd.Lister
	packd.Finder
}

// Source holds payloads by name. Safe for concurrent use.
type Source struct {
	mutex sync.RWMutex
	blobs map[string][]byte
}

// New creates an empty Source.
func New() *Source {
	return &Source{blobs: make(map[string][]byte)}
}

// Add registers data under name, replacing a previous entry.
// The Source keeps data, callers must not modify it afterwards.
func (s *Source) Add(name string, data []byte) {
	s.mutex.Lock()
	s.blobs[name] = data
	s.mutex.Unlock()
}

// Has reports whether name is registered.
func (s *Source) Has(name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.blobs[name]
	return ok
}

// Read returns the payload registered under name.
func (s *Source) Read(name string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, errors.NotFoundf("internal resource %q", name)
	}
	return data, nil
}

// Names lists registered names in lexical order.
func (s *Source) Names() []string {
	s.mutex.RLock()
	names := make([]string, 0, len(s.blobs))
	for name := range s.blobs {
		names = append(names, name)
	}
	s.mutex.RUnlock()
	sort.Strings(names)
	return names
}

// LoadArchive registers every file of a kar archive, prefixing
// its name. Returns the number of files added.
func (s *Source) LoadArchive(r io.ReaderAt, prefix string) (int, error) {
	ar, err := kar.Open(r)
	if err != nil {
		return 0, errors.Trace(err)
	}
	names := ar.Names()
	for _, name := range names {
		data, err := ar.ReadAll(name)
		if err != nil {
			return 0, errors.Trace(err)
		}
		s.Add(prefix+name, data)
	}
	return len(names), nil
}

// LoadArchiveFile memory maps a kar archive and loads it.
func (s *Source) LoadArchiveFile(path, prefix string) (int, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return 0, errors.Annotatef(err, "opening %s", path)
	}
	defer r.Close()
	n, err := s.LoadArchive(r, prefix)
	return n, errors.Annotatef(err, "loading %s", path)
}

// LoadBox registers every file of a packr box, prefixing its name.
func (s *Source) LoadBox(box Box, prefix string) (int, error) {
	names := box.List()
	for _, name := range names {
		data, err := box.Find(name)
		if err != nil {
			return 0, errors.Annotatef(err, "box file %s", name)
		}
		s.Add(prefix+name, data)
	}
	return len(names), nil
}
