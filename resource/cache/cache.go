// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package cache mirrors fetched payloads on the local filesystem.
// Names are mapped to paths deterministically, see ConvertNameToPath.
package cache

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"
)

// ErrMiss is returned by Read when no entry exists for a name.
const ErrMiss = errors.ConstError("cache miss")

// Dir is the directory under the root holding all entries.
const Dir = "cache"

// Cache is a disk cache rooted at a directory.
type Cache struct {
	root   string
	logger logrus.FieldLogger
}

// New creates the cache directory structure under root.
func New(root string, logger logrus.FieldLogger) (*Cache, error) {
	if root == "" {
		return nil, errors.NotValidf("empty cache root")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Join(root, Dir), 0755); err != nil {
		return nil, errors.Annotate(err, "creating cache")
	}
	return &Cache{
		root:   root,
		logger: logger.WithField("component", "cache"),
	}, nil
}

// Root is the directory given to New.
func (c *Cache) Root() string {
	return c.root
}

// Path returns the file holding the entry for name.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.root, Dir, filepath.FromSlash(ConvertNameToPath(name)))
}

// Exists reports whether an entry is present.
func (c *Cache) Exists(name string) bool {
	info, err := os.Stat(c.Path(name))
	return err == nil && info.Mode().IsRegular()
}

// Read returns a copy of the entry for name.
func (c *Cache) Read(name string) ([]byte, error) {
	path := c.Path(name)
	r, err := mmap.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Annotate(ErrMiss, name)
	} else if err != nil {
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if len(data) == 0 {
		return data, nil
	}
	if _, err := r.ReadAt(data, 0); err != nil {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	return data, nil
}

// Write stores data as the entry for name, replacing any previous one.
func (c *Cache) Write(name string, data []byte) error {
	path := c.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Annotatef(err, "writing %s", name)
	}
	if err := lockedfile.Write(path, bytes.NewReader(data), 0644); err != nil {
		return errors.Annotatef(err, "writing %s", name)
	}
	c.logger.WithField("path", path).Debugf("stored %d bytes", len(data))
	return nil
}

// Purge removes every entry.
func (c *Cache) Purge() error {
	dir := filepath.Join(c.root, Dir)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Annotate(err, "purging cache")
	}
	c.logger.Info("cache purged")
	return errors.Trace(os.MkdirAll(dir, 0755))
}
