// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command terrastream streams a list of resources headlessly until they
// settle and prints the resource statistics as JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/gobuffalo/packr"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/terrastream/core"
	"github.com/devblok/terrastream/resource"
)

var (
	envFiles   = flag.String("env", "", "Comma separated .env files to read configuration from")
	cacheDir   = flag.String("cache", "", "Disk cache directory, overrides "+core.EnvCacheDirectory)
	namesFile  = flag.String("names", "", "File with one resource name per line")
	maxFrames  = flag.Uint64("frames", 6000, "Give up after this many render ticks")
	purge      = flag.Bool("purge", false, "Hard purge the cache before streaming")
	metrics    = flag.String("metrics", "", "Serve prometheus metrics on this address")
	cpuProfile = flag.String("cpuprofile", "", "Write a CPU profile to this file")
	memProfile = flag.String("memprofile", "", "Write a heap profile to this file")
	verbose    = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()
	os.Exit(terrastream())
}

// terrastream runs the command and returns the exit code. Deferred
// profile writers complete before main exits.
func terrastream() int {
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Error(err)
			return 1
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Error(err)
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	if err := run(); err != nil {
		log.Error(errors.ErrorStack(err))
		return 1
	}

	if *memProfile != "" {
		if err := writeHeapProfile(*memProfile); err != nil {
			log.Error(err)
			return 1
		}
	}
	return 0
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}

func run() error {
	var files []string
	if *envFiles != "" {
		files = strings.Split(*envFiles, ",")
	}
	cfg, err := core.LoadConfiguration(files...)
	if err != nil {
		return errors.Trace(err)
	}
	if *cacheDir != "" {
		cfg.Resources.CacheDirectory = *cacheDir
	}

	names, err := readNames()
	if err != nil {
		return errors.Trace(err)
	}
	if len(names) == 0 {
		names = []string{core.BuiltinPrefix + "mapConfig.json"}
	}

	box := packr.NewBox("./builtin")
	engine, err := core.NewEngine(cfg, clock.WallClock, &box, log.StandardLogger())
	if err != nil {
		return errors.Trace(err)
	}
	defer engine.Close()

	if *purge {
		if err := engine.Manager().PurgeCache(true); err != nil {
			return errors.Trace(err)
		}
	}

	if *metrics != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(resource.NewCollector(engine.Manager().Statistics()))
		go func() {
			handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(*metrics, handler); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = engine.Run(ctx, func(tick uint64) bool {
		settled := 0
		for _, name := range names {
			r := engine.Manager().Request(name, resource.GuessKind(name))
			if r.State().Settled() {
				settled++
			}
		}
		if tick%100 == 0 {
			log.WithFields(log.Fields{
				"tick":    tick,
				"settled": settled,
				"total":   len(names),
			}).Info("streaming")
		}
		return settled < len(names) && tick < *maxFrames
	})
	if err != nil {
		return errors.Trace(err)
	}

	for _, name := range names {
		if r, ok := engine.Manager().Get(name); ok {
			entry := log.WithFields(log.Fields{"resource": name, "state": r.State(), "cost": r.Cost()})
			if err := r.Err(); err != nil {
				entry = entry.WithError(err)
			}
			entry.Info("result")
		}
	}

	bytes, err := json.MarshalIndent(engine.Manager().Statistics().Snapshot(), "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	os.Stdout.Write(append(bytes, '\n'))
	return nil
}

func readNames() ([]string, error) {
	names := flag.Args()
	if *namesFile == "" {
		return names, nil
	}
	f, err := os.Open(*namesFile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			names = append(names, line)
		}
	}
	return names, errors.Trace(scanner.Err())
}
