// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/gobuffalo/envy"
	"github.com/joho/godotenv"
	"github.com/juju/errors"

	"github.com/devblok/terrastream/resource"
	"github.com/devblok/terrastream/resource/fetcher"
)

// Environment variables read by LoadConfiguration.
const (
	EnvFramesPerSecond   = "TERRASTREAM_FPS"
	EnvDataPollDelay     = "TERRASTREAM_DATA_POLL_MS"
	EnvCacheDirectory    = "TERRASTREAM_CACHE_DIR"
	EnvArchives          = "TERRASTREAM_ARCHIVES"
	EnvMaxMemory         = "TERRASTREAM_MAX_MEMORY"
	EnvGPUMemoryLimit    = "TERRASTREAM_GPU_MEMORY_LIMIT"
	EnvMaxDownloads      = "TERRASTREAM_MAX_DOWNLOADS"
	EnvMaxRedirections   = "TERRASTREAM_MAX_REDIRECTIONS"
	EnvProcessesPerTick  = "TERRASTREAM_PROCESSES_PER_TICK"
	EnvReleaseDelayTicks = "TERRASTREAM_RELEASE_DELAY_TICKS"
	EnvFetchThreads      = "TERRASTREAM_FETCH_THREADS"
	EnvFetchTimeout      = "TERRASTREAM_FETCH_TIMEOUT"
	EnvUserAgent         = "TERRASTREAM_USER_AGENT"
	EnvClientID          = "TERRASTREAM_CLIENT_ID"
)

// BuiltinPrefix names resources served from the internal memory source.
const BuiltinPrefix = "builtin://"

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time      TimeConfiguration
	Resources ResourceConfiguration
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps render ticks per second.
	// To unlimit, set to 0
	FramesPerSecond int

	// DataPollDelay is the pause between data ticks, in milliseconds
	DataPollDelay int
}

// ResourceConfiguration is used to configure resource streaming
type ResourceConfiguration struct {
	// CacheDirectory is the disk cache root, empty disables the cache
	CacheDirectory string

	// Archives are kar bundles loaded into the internal memory source
	Archives []string

	// GPUMemoryLimit caps the headless uploader, 0 for no limit
	GPUMemoryLimit int64

	Manager resource.Config
	Fetcher fetcher.Config
}

// DefaultConfiguration returns the configuration used when
// nothing is set in the environment.
func DefaultConfiguration() Configuration {
	return Configuration{
		Time: TimeConfiguration{
			FramesPerSecond: 60,
			DataPollDelay:   5,
		},
		Resources: ResourceConfiguration{
			Manager: resource.DefaultConfig(),
			Fetcher: fetcher.DefaultConfig(),
		},
	}
}

// LoadConfiguration reads the given .env files and resolves the
// TERRASTREAM_* variables on top of DefaultConfiguration. Values in
// the process environment take precedence over the files.
func LoadConfiguration(files ...string) (Configuration, error) {
	cfg := DefaultConfiguration()
	if len(files) > 0 {
		values, err := godotenv.Read(files...)
		if err != nil {
			return cfg, errors.Annotate(err, "reading environment files")
		}
		for key, value := range values {
			if _, set := envy.Map()[key]; !set {
				envy.Set(key, value)
			}
		}
	}

	var err error
	intVar := func(key string, dst *int) {
		if err != nil {
			return
		}
		var v int64
		if v, err = lookupInt(key); err == nil && v >= 0 {
			*dst = int(v)
		}
	}
	int64Var := func(key string, dst *int64) {
		if err != nil {
			return
		}
		var v int64
		if v, err = lookupInt(key); err == nil && v >= 0 {
			*dst = v
		}
	}

	intVar(EnvFramesPerSecond, &cfg.Time.FramesPerSecond)
	intVar(EnvDataPollDelay, &cfg.Time.DataPollDelay)
	int64Var(EnvMaxMemory, &cfg.Resources.Manager.MaxResourcesMemory)
	int64Var(EnvGPUMemoryLimit, &cfg.Resources.GPUMemoryLimit)
	intVar(EnvMaxDownloads, &cfg.Resources.Manager.MaxConcurrentDownloads)
	intVar(EnvMaxRedirections, &cfg.Resources.Manager.MaxFetchRedirections)
	intVar(EnvProcessesPerTick, &cfg.Resources.Manager.MaxResourceProcessesPerTick)
	intVar(EnvFetchThreads, &cfg.Resources.Fetcher.Threads)
	var delay int64 = -1
	int64Var(EnvReleaseDelayTicks, &delay)
	if err != nil {
		return cfg, errors.Trace(err)
	}
	if delay >= 0 {
		cfg.Resources.Manager.ReleaseDelayTicks = uint64(delay)
	}

	if v := envy.Get(EnvFetchTimeout, ""); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.NotValidf("%s %q", EnvFetchTimeout, v)
		}
		cfg.Resources.Fetcher.Timeout = timeout
	}
	cfg.Resources.CacheDirectory = envy.Get(EnvCacheDirectory, cfg.Resources.CacheDirectory)
	cfg.Resources.Fetcher.UserAgent = envy.Get(EnvUserAgent, cfg.Resources.Fetcher.UserAgent)
	if v := envy.Get(EnvArchives, ""); v != "" {
		for _, path := range strings.Split(v, ",") {
			if path = strings.TrimSpace(path); path != "" {
				cfg.Resources.Archives = append(cfg.Resources.Archives, path)
			}
		}
	}
	if id := envy.Get(EnvClientID, ""); id != "" {
		cfg.Resources.Manager.Headers = map[string]string{"X-Client-Id": id}
	}
	return cfg, nil
}

// lookupInt returns -1 for unset variables.
func lookupInt(key string) (int64, error) {
	v := envy.Get(key, "")
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1, errors.NotValidf("%s %q", key, v)
	}
	return n, nil
}
