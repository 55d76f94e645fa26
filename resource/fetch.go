// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

// Query is the request half of a FetchTask. It is not modified
// while the task is owned by a Fetcher.
type Query struct {
	URL     string
	Headers map[string]string

	// AllowRedirects lets the Fetcher follow redirects itself while
	// Reply.Redirections stays below MaxRedirections. Otherwise the
	// redirect is returned in the Reply.
	AllowRedirects  bool
	MaxRedirections int
}

// Reply is filled in once by the Fetcher before it calls back.
type Reply struct {
	Code        int
	ContentType string
	Content     Buffer
	RedirectURL string

	// Redirections counts redirects already followed for the task,
	// by the Fetcher or by re-dispatching it.
	Redirections int

	// Err describes a failure that produced no HTTP status.
	Err error
}

// Redirected reports a 3xx reply carrying a location.
func (r *Reply) Redirected() bool {
	return r.Code >= 300 && r.Code < 400 && r.RedirectURL != ""
}

// FetchTask is one outstanding request and its reply slot.
type FetchTask struct {
	Name  string
	Query Query
	Reply Reply
}

// NewFetchTask creates a task for the resource name. Redirects are
// not followed by the Fetcher until AllowRedirects is set.
func NewFetchTask(name string, headers map[string]string) *FetchTask {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &FetchTask{
		Name: name,
		Query: Query{
			URL:     name,
			Headers: h,
		},
	}
}

// redirect points the query at the reply location and clears the
// reply for the next dispatch.
func (t *FetchTask) redirect() {
	count := t.Reply.Redirections + 1
	t.Query.URL = t.Reply.RedirectURL
	t.Reply.Content.Free()
	t.Reply = Reply{Redirections: count}
}

// DoneFunc is called by a Fetcher exactly once per dispatched task,
// possibly from a worker goroutine. It must not block.
type DoneFunc func(task *FetchTask)

// Fetcher delivers fetch tasks asynchronously.
type Fetcher interface {
	Fetch(task *FetchTask, done DoneFunc)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(task *FetchTask, done DoneFunc)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(task *FetchTask, done DoneFunc) {
	f(task, done)
}
