// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command tscache prints where resource names live in a disk cache
// and whether they are present, as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/terrastream/resource/cache"
)

type entry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

var (
	root  = flag.String("root", ".", "Cache root directory")
	purge = flag.Bool("purge", false, "Remove every cached file")
)

func main() {
	flag.Parse()

	c, err := cache.New(*root, nil)
	if err != nil {
		log.Fatal(err)
	}
	if *purge {
		if err := c.Purge(); err != nil {
			log.Fatal(err)
		}
	}

	entries := make([]entry, 0, flag.NArg())
	for _, name := range flag.Args() {
		e := entry{Name: name, Path: c.Path(name)}
		if info, err := os.Stat(e.Path); err == nil {
			e.Exists = true
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}

	if bytes, err := json.Marshal(entries); err == nil {
		fmt.Printf("%s\n", bytes)
	} else {
		log.Fatal(err)
	}
}
