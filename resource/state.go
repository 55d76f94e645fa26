// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

// State is the lifecycle phase of a Resource.
type State int32

// Resource states.
const (
	Initializing State = iota
	Downloading
	Downloaded
	Ready
	ErrorDownload
	ErrorLoad
	Finalizing
)

var stateNames = [...]string{
	Initializing:  "initializing",
	Downloading:   "downloading",
	Downloaded:    "downloaded",
	Ready:         "ready",
	ErrorDownload: "errorDownload",
	ErrorLoad:     "errorLoad",
	Finalizing:    "finalizing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText lets states appear by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Failed reports an error state.
func (s State) Failed() bool {
	return s == ErrorDownload || s == ErrorLoad
}

// Settled reports a state no worker will move the resource out of.
func (s State) Settled() bool {
	return s == Ready || s.Failed()
}

// Every state may move to Finalizing on teardown.
var transitions = map[State][]State{
	Initializing:  {Downloading, Downloaded, ErrorDownload, ErrorLoad},
	Downloading:   {Downloaded, ErrorDownload},
	Downloaded:    {Ready, ErrorLoad},
	Ready:         {},
	ErrorDownload: {},
	ErrorLoad:     {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	if s == Finalizing {
		return false
	}
	if next == Finalizing {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
