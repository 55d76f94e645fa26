// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command kar builds, lists and extracts kar resource bundles.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/terrastream/utility/kar"
)

func currentUserName() string {
	u, err := user.Current()
	if err != nil || u.Name == "" {
		return "unknown"
	}
	return u.Name
}

var (
	author   = flag.String("author", currentUserName(), "Set the author of the package when compressing")
	version  = flag.Int64("version", 1, "Archive version number to create it with")
	extract  = flag.String("e", "", "Extract the file given")
	compress = flag.String("c", "", "Compress the given file/folder")
	list     = flag.String("l", "", "List the contents of the file given")
	dstFile  = flag.String("f", "out.kar", "Destination file, or directory when extracting")
	silent   = flag.Bool("s", false, "Silent")
)

func main() {
	flag.Parse()
	if *silent {
		log.SetLevel(log.WarnLevel)
	}

	ops := 0
	for _, op := range []string{*extract, *compress, *list} {
		if op != "" {
			ops++
		}
	}
	if ops > 1 {
		log.Fatal("only one operation at a time")
	}

	var err error
	switch {
	case *compress != "":
		err = compressFiles(*compress, *dstFile)
	case *extract != "":
		err = extractFiles(*extract, *dstFile)
	case *list != "":
		err = listFiles(*list)
	default:
		flag.PrintDefaults()
		return
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func compressFiles(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return errors.AlreadyExistsf("destination file %s", dst)
	}

	var filesToCompress []string
	if err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			filesToCompress = append(filesToCompress, path)
		}
		return nil
	}); err != nil {
		return errors.Trace(err)
	}

	builder, err := kar.NewBuilder(kar.Header{
		Author:      *author,
		DateCreated: time.Now().Unix(),
		Version:     *version,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer builder.Close()

	var group errgroup.Group
	group.SetLimit(8)
	for _, path := range filesToCompress {
		path := path
		group.Go(func() error {
			name, err := filepath.Rel(src, path)
			if err != nil || name == "." {
				name = filepath.Base(path)
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Trace(err)
			}
			defer f.Close()
			log.WithField("file", name).Debug("compressing")
			return errors.Trace(builder.Add(filepath.ToSlash(name), f))
		})
	}
	if err := group.Wait(); err != nil {
		return errors.Trace(err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Trace(err)
	}
	defer out.Close()
	n, err := builder.WriteTo(out)
	if err != nil {
		return errors.Trace(err)
	}
	log.WithFields(log.Fields{"files": builder.Len(), "bytes": n}).Info("archive written")
	return errors.Trace(out.Sync())
}

func openArchive(path string) (*kar.Archive, io.Closer, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	ar, err := kar.Open(r)
	if err != nil {
		r.Close()
		return nil, nil, errors.Annotatef(err, "opening %s", path)
	}
	return ar, r, nil
}

func listFiles(path string) error {
	ar, closer, err := openArchive(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer closer.Close()

	h := ar.Header()
	fmt.Printf("author %s, version %d, created %s\n", h.Author, h.Version, time.Unix(h.DateCreated, 0).Format(time.RFC3339))
	for _, name := range ar.Names() {
		r, err := ar.Open(name)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Printf("%10d  %s\n", r.Size(), name)
	}
	return nil
}

func extractFiles(path, dir string) error {
	ar, closer, err := openArchive(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer closer.Close()

	for _, name := range ar.Names() {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
			return errors.NotValidf("entry name %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.Trace(err)
		}
		r, err := ar.Open(name)
		if err != nil {
			return errors.Trace(err)
		}
		f, err := os.Create(target)
		if err != nil {
			return errors.Trace(err)
		}
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Annotatef(err, "extracting %s", name)
		}
		log.WithField("file", target).Debug("extracted")
	}
	log.WithField("files", len(ar.Names())).Info("archive extracted")
	return nil
}
