// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package fetcher implements resource.Fetcher over HTTP with a fixed
// pool of worker goroutines.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/terrastream/resource"
)

// ErrClosed is reported to tasks fetched after Close.
const ErrClosed = errors.ConstError("fetcher closed")

// Config configures an HTTP fetcher.
type Config struct {
	Threads int
	Timeout time.Duration

	// MaxContentSize limits accepted bodies, zero for unlimited.
	MaxContentSize int64

	UserAgent string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Threads:   4,
		Timeout:   10 * time.Second,
		UserAgent: "terrastream",
	}
}

type job struct {
	task *resource.FetchTask
	done resource.DoneFunc
}

// HTTP fetches tasks with net/http.
type HTTP struct {
	config Config
	client *http.Client
	logger logrus.FieldLogger

	mutex  sync.Mutex
	queue  []job
	closed bool
	signal chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an HTTP fetcher and starts its workers.
func New(config Config, logger logrus.FieldLogger) (*HTTP, error) {
	if config.Threads <= 0 {
		return nil, errors.NotValidf("fetcher threads %d", config.Threads)
	}
	if config.Timeout <= 0 {
		return nil, errors.NotValidf("fetcher timeout %s", config.Timeout)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	f := &HTTP{
		config: config,
		logger: logger.WithField("component", "fetcher"),
		signal: make(chan struct{}, 1),
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < config.Threads; i++ {
		f.group.Go(func() error {
			return f.worker(ctx)
		})
	}
	return f, nil
}

// Fetch implements resource.Fetcher. It never blocks.
func (f *HTTP) Fetch(task *resource.FetchTask, done resource.DoneFunc) {
	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		task.Reply.Err = ErrClosed
		done(task)
		return
	}
	f.queue = append(f.queue, job{task: task, done: done})
	f.mutex.Unlock()
	f.notify()
}

// Close stops the workers. Queued tasks complete with ErrClosed.
func (f *HTTP) Close() error {
	f.mutex.Lock()
	f.closed = true
	pending := f.queue
	f.queue = nil
	f.mutex.Unlock()

	f.cancel()
	err := f.group.Wait()
	for _, j := range pending {
		j.task.Reply.Err = ErrClosed
		j.done(j.task)
	}
	return errors.Trace(err)
}

func (f *HTTP) notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *HTTP) pop() (job, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.queue) == 0 {
		return job{}, false
	}
	j := f.queue[0]
	f.queue[0] = job{}
	f.queue = f.queue[1:]
	if len(f.queue) > 0 {
		f.notify()
	}
	return j, true
}

func (f *HTTP) worker(ctx context.Context) error {
	for {
		j, ok := f.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-f.signal:
				continue
			}
		}
		f.do(ctx, j.task)
		j.done(j.task)
	}
}

func (f *HTTP) do(ctx context.Context, task *resource.FetchTask) {
	log := f.logger.WithField("url", task.Query.URL)
	reply := &task.Reply

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Query.URL, nil)
	if err != nil {
		reply.Err = errors.Annotate(err, "building request")
		return
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}
	for k, v := range task.Query.Headers {
		req.Header.Set(k, v)
	}

	// The shared client is copied to count hops of this task only.
	client := *f.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if !task.Query.AllowRedirects || reply.Redirections >= task.Query.MaxRedirections {
			return http.ErrUseLastResponse
		}
		reply.Redirections++
		log.WithField("location", next.URL.String()).Debug("following redirect")
		return nil
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Debug("fetch failed")
		reply.Err = errors.Trace(err)
		return
	}
	defer resp.Body.Close()

	reply.Code = resp.StatusCode
	reply.ContentType = resp.Header.Get("Content-Type")
	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if target, err := resp.Request.URL.Parse(loc); err == nil {
			reply.RedirectURL = target.String()
		} else {
			reply.RedirectURL = (&url.URL{Path: loc}).String()
		}
	}

	body := io.Reader(resp.Body)
	if f.config.MaxContentSize > 0 {
		body = io.LimitReader(resp.Body, f.config.MaxContentSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		reply.Code = 0
		reply.Err = errors.Annotate(err, "reading body")
		return
	}
	if f.config.MaxContentSize > 0 && int64(len(data)) > f.config.MaxContentSize {
		reply.Code = 0
		reply.Err = errors.Errorf("body exceeds %d bytes", f.config.MaxContentSize)
		return
	}
	reply.Content = resource.WrapBuffer(data)
	log.WithFields(logrus.Fields{
		"code":     reply.Code,
		"size":     len(data),
		"duration": time.Since(start),
	}).Debug("fetched")
}
