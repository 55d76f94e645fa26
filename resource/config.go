// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/terrastream/gfx"
	"github.com/devblok/terrastream/resource/cache"
	"github.com/devblok/terrastream/resource/memory"
)

// Config holds the scalar options of a Manager.
type Config struct {
	// MaxResourcesMemory is the budget for RAM and GPU cost of
	// ready resources, in bytes.
	MaxResourcesMemory int64

	MaxConcurrentDownloads      int
	MaxFetchRedirections        int
	MaxResourceProcessesPerTick int

	// ReleaseDelayTicks is how long a failed resource stays
	// registered after its last request.
	ReleaseDelayTicks uint64

	// CacheWriteQueueLength bounds pending disk cache writes,
	// writes beyond it are dropped.
	CacheWriteQueueLength int

	// Headers are added to every fetch.
	Headers map[string]string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxResourcesMemory:          512 * 1024 * 1024,
		MaxConcurrentDownloads:      10,
		MaxFetchRedirections:        5,
		MaxResourceProcessesPerTick: 10,
		ReleaseDelayTicks:           100,
		CacheWriteQueueLength:       64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxResourcesMemory < 0 {
		return errors.NotValidf("negative MaxResourcesMemory")
	}
	if c.MaxConcurrentDownloads <= 0 {
		return errors.NotValidf("MaxConcurrentDownloads %d", c.MaxConcurrentDownloads)
	}
	if c.MaxFetchRedirections < 0 {
		return errors.NotValidf("negative MaxFetchRedirections")
	}
	if c.MaxResourceProcessesPerTick <= 0 {
		return errors.NotValidf("MaxResourceProcessesPerTick %d", c.MaxResourceProcessesPerTick)
	}
	if c.CacheWriteQueueLength < 0 {
		return errors.NotValidf("negative CacheWriteQueueLength")
	}
	return nil
}

// Params are the collaborators of a Manager. Cache and Memory are
// optional.
type Params struct {
	Config   Config
	Fetcher  Fetcher
	Uploader gfx.Uploader
	Cache    *cache.Cache
	Memory   *memory.Source
	Logger   logrus.FieldLogger
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.Fetcher == nil {
		return errors.NotValidf("nil Fetcher")
	}
	if p.Uploader == nil {
		return errors.NotValidf("nil Uploader")
	}
	return errors.Trace(p.Config.Validate())
}
