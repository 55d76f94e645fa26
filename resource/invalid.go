// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resource

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// InvalidListFile is the name of the persisted invalid list in the cache root.
const InvalidListFile = "invalidUrl.txt"

// invalidList holds names known not to exist remotely. Only names failing
// an availability test are persisted, the rest live for the session.
type invalidList struct {
	mutex      sync.Mutex
	path       string
	persistent map[string]struct{}
	session    map[string]struct{}
	dirty      bool
}

func newInvalidList(path string) *invalidList {
	return &invalidList{
		path:       path,
		persistent: make(map[string]struct{}),
		session:    make(map[string]struct{}),
	}
}

func (l *invalidList) load() error {
	if l.path == "" {
		return nil
	}
	data, err := lockedfile.Read(l.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "reading %s", l.path)
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			l.persistent[name] = struct{}{}
		}
	}
	return errors.Trace(scanner.Err())
}

func (l *invalidList) save() error {
	l.mutex.Lock()
	if l.path == "" || !l.dirty {
		l.mutex.Unlock()
		return nil
	}
	names := make([]string, 0, len(l.persistent))
	for name := range l.persistent {
		names = append(names, name)
	}
	l.dirty = false
	l.mutex.Unlock()

	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	return errors.Annotatef(lockedfile.Write(l.path, &buf, 0644), "writing %s", l.path)
}

func (l *invalidList) addPersistent(name string) {
	l.mutex.Lock()
	l.persistent[name] = struct{}{}
	l.dirty = true
	l.mutex.Unlock()
}

func (l *invalidList) addSession(name string) {
	l.mutex.Lock()
	l.session[name] = struct{}{}
	l.mutex.Unlock()
}

func (l *invalidList) contains(name string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.persistent[name]; ok {
		return true
	}
	_, ok := l.session[name]
	return ok
}

func (l *invalidList) clear() {
	l.mutex.Lock()
	l.dirty = l.dirty || len(l.persistent) > 0
	l.persistent = make(map[string]struct{})
	l.session = make(map[string]struct{})
	l.mutex.Unlock()
}
