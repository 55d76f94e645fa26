// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/terrastream/gfx/soft"
	"github.com/devblok/terrastream/resource"
	"github.com/devblok/terrastream/resource/cache"
	"github.com/devblok/terrastream/resource/fetcher"
	"github.com/devblok/terrastream/resource/memory"
)

// Engine wires the resource manager to its content sources, the HTTP
// fetcher and a headless uploader, and drives it with a Time service.
type Engine struct {
	logger   logrus.FieldLogger
	time     *Time
	memory   *memory.Source
	cache    *cache.Cache
	fetcher  *fetcher.HTTP
	uploader *soft.Uploader
	manager  *resource.Manager
}

// NewEngine creates an Engine. Files of box and of the configured
// archives are registered under BuiltinPrefix. box may be nil.
func NewEngine(cfg Configuration, clk clock.Clock, box memory.Box, logger logrus.FieldLogger) (*Engine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		logger:   logger.WithField("component", "engine"),
		time:     NewTime(cfg.Time, clk),
		memory:   memory.New(),
		uploader: soft.NewUploader(cfg.Resources.GPUMemoryLimit),
	}

	if box != nil {
		n, err := e.memory.LoadBox(box, BuiltinPrefix)
		if err != nil {
			return nil, errors.Annotate(err, "loading builtin box")
		}
		e.logger.WithField("files", n).Debug("builtin box loaded")
	}
	for _, path := range cfg.Resources.Archives {
		n, err := e.memory.LoadArchiveFile(path, BuiltinPrefix)
		if err != nil {
			return nil, errors.Trace(err)
		}
		e.logger.WithFields(logrus.Fields{"archive": path, "files": n}).Info("archive loaded")
	}

	if dir := cfg.Resources.CacheDirectory; dir != "" {
		c, err := cache.New(dir, logger)
		if err != nil {
			return nil, errors.Annotate(err, "opening disk cache")
		}
		e.cache = c
	}

	f, err := fetcher.New(cfg.Resources.Fetcher, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.fetcher = f

	m, err := resource.NewManager(resource.Params{
		Config:   cfg.Resources.Manager,
		Fetcher:  f,
		Uploader: e.uploader,
		Cache:    e.cache,
		Memory:   e.memory,
		Logger:   logger,
	})
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	e.manager = m
	return e, nil
}

// Manager returns the resource manager.
func (e *Engine) Manager() *resource.Manager {
	return e.manager
}

// Memory returns the internal memory source.
func (e *Engine) Memory() *memory.Source {
	return e.memory
}

// Uploader returns the headless uploader.
func (e *Engine) Uploader() *soft.Uploader {
	return e.uploader
}

// Time returns the time service.
func (e *Engine) Time() *Time {
	return e.time
}

// Run starts the data loop and calls frame once per render tick,
// followed by RenderTick. It returns when ctx is done or frame
// returns false.
func (e *Engine) Run(ctx context.Context, frame func(tick uint64) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.manager.Run(ctx, e.time.Clock(), e.time.PollInterval())
	})
	group.Go(func() error {
		defer cancel()
		e.time.Frames(ctx, func() bool {
			if !frame(e.manager.Tick()) {
				return false
			}
			e.manager.RenderTick()
			return true
		})
		return nil
	})
	return errors.Trace(group.Wait())
}

// Close stops the fetcher and closes the manager.
func (e *Engine) Close() error {
	err := e.manager.Close()
	if ferr := e.fetcher.Close(); err == nil {
		err = ferr
	}
	return errors.Trace(err)
}
