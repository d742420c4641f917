// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package mailbox provides archive.Sources that read mail messages and
// archive.Sinks that write them: directories of message files (including
// Maildirs), mbox files, and IMAP mailboxes.
package mailbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mmp/mbk/archive"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DirSource provides one item for each regular file in a directory,
// ordered by file name. If the directory is a Maildir (it has a cur/
// subdirectory), the messages in cur/ and new/ are used instead.
type DirSource struct {
	Fs  afero.Fs
	Dir string
}

func NewDirSource(fs afero.Fs, dir string) *DirSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &DirSource{Fs: fs, Dir: dir}
}

func (d *DirSource) String() string {
	return "dir:" + d.Dir
}

// files returns the paths of the messages, sorted.
func (d *DirSource) files() ([]string, error) {
	dirs := []string{d.Dir}
	if fi, err := d.Fs.Stat(filepath.Join(d.Dir, "cur")); err == nil && fi.IsDir() {
		dirs = []string{filepath.Join(d.Dir, "cur"), filepath.Join(d.Dir, "new")}
	}

	var paths []string
	for _, dir := range dirs {
		fis, err := afero.ReadDir(d.Fs, dir)
		if os.IsNotExist(err) && dir != d.Dir {
			continue
		} else if err != nil {
			return nil, err
		}
		for _, fi := range fis {
			if !fi.Mode().IsRegular() || strings.HasPrefix(fi.Name(), ".") ||
				strings.HasSuffix(fi.Name(), tmpSuffix) {
				continue
			}
			paths = append(paths, filepath.Join(dir, fi.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *DirSource) Items(ctx context.Context, f func(archive.Item) error) error {
	paths, err := d.files()
	if err != nil {
		return errors.Wrap(err, d.String())
	}
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := afero.ReadFile(d.Fs, path)
		if err != nil {
			return err
		}
		if err := f(archive.Item{Ordinal: i, Data: b}); err != nil {
			return err
		}
	}
	return nil
}

const tmpSuffix = ".tmp"

// DirSink writes each restored message to its own file in a directory,
// named by its ordinal and fingerprint so that restoring into the same
// directory again just rewrites the same files. Messages restored to a
// Maildir go in its new/ subdirectory.
type DirSink struct {
	Fs     afero.Fs
	Dir    string
	n      int
	target string
}

func NewDirSink(fs afero.Fs, dir string) *DirSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &DirSink{Fs: fs, Dir: dir}
}

func (d *DirSink) String() string {
	return "dir:" + d.Dir
}

// FileName returns the name of the file a restored entry is written to.
// Entries without an ordinal are named by n instead, with a prefix that
// keeps them apart from every ordinal-named file.
func FileName(e archive.Entry, n int) string {
	if e.Ordinal < 0 {
		return fmt.Sprintf("legacy_%d_%s.eml", n, e.Fingerprint)
	}
	return fmt.Sprintf("%08d_%s.eml", e.Ordinal, e.Fingerprint)
}

func (d *DirSink) Append(ctx context.Context, e archive.Entry, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.target == "" {
		d.target = d.Dir
		if fi, err := d.Fs.Stat(filepath.Join(d.Dir, "cur")); err == nil && fi.IsDir() {
			d.target = filepath.Join(d.Dir, "new")
		}
		if err := d.Fs.MkdirAll(d.target, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(d.target, FileName(e, d.n))
	d.n++
	tmp := path + tmpSuffix
	if err := afero.WriteFile(d.Fs, tmp, data, 0600); err != nil {
		return err
	}
	return d.Fs.Rename(tmp, path)
}
