// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mmp/mbk/rdso"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	paritySuffix = ".rs"
	tmpSuffix    = ".tmp"
)

type DiskOptions struct {
	Dir string
	// Optional; the OS filesystem is used if nil.
	Fs afero.Fs

	// If set, a Reed-Solomon parity file is stored next to each object
	// and used to detect and repair corruption when it's read.
	Parity        bool
	NDataShards   int
	NParityShards int
	HashRate      int64
}

// Disk is a BlobStore that stores each object as a file in a directory
// tree.
type Disk struct {
	fs   afero.Fs
	dir  string
	opts DiskOptions

	mu         sync.Mutex
	bytesSaved int64
	blobsSaved int
	repaired   int
}

// NewDisk returns a new BlobStore that stores data in the given
// directory, creating it if necessary.
func NewDisk(opts DiskOptions) (*Disk, error) {
	if opts.Dir == "" {
		return nil, errors.New("disk store: no directory specified")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Parity {
		if opts.NDataShards == 0 {
			opts.NDataShards = 17
		}
		if opts.NParityShards == 0 {
			opts.NParityShards = 3
		}
		if opts.HashRate == 0 {
			opts.HashRate = 1024
		}
	}

	// Make sure that the directory exists and is in fact a directory.
	if err := opts.Fs.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, err
	}
	stat, err := opts.Fs.Stat(opts.Dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, errors.Errorf("%s: is a regular file", opts.Dir)
	}

	return &Disk{fs: opts.Fs, dir: opts.Dir, opts: opts}, nil
}

func (db *Disk) String() string {
	return "disk: " + db.dir
}

func (db *Disk) path(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, paritySuffix) ||
		strings.HasSuffix(name, tmpSuffix) {
		return "", errors.Errorf("%q: invalid object name", name)
	}
	for _, c := range strings.Split(name, "/") {
		if c == "" || c == "." || c == ".." {
			return "", errors.Errorf("%q: invalid object name", name)
		}
	}
	return filepath.Join(db.dir, filepath.FromSlash(name)), nil
}

// writeFile writes the file atomically: the data is first written to a
// temporary file which is then renamed into place.
func (db *Disk) writeFile(path string, data []byte) error {
	if err := db.fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + tmpSuffix
	f, err := db.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return db.fs.Rename(tmp, path)
}

func (db *Disk) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := db.path(name)
	if err != nil {
		return err
	}

	// Parity left over from an earlier version of the object must not
	// outlive it; Get would otherwise "repair" the new data back to the
	// old. If we die after this, the object is just unprotected.
	if err := db.fs.Remove(path + paritySuffix); err != nil && !os.IsNotExist(err) {
		return transportError("put", name+paritySuffix, err)
	}

	if err := db.writeFile(path, data); err != nil {
		return transportError("put", name, err)
	}

	if db.opts.Parity {
		parity, err := rdso.Encode(data, db.opts.NDataShards, db.opts.NParityShards,
			db.opts.HashRate)
		if err != nil {
			return errors.Wrap(err, name)
		}
		if err := db.writeFile(path+paritySuffix, parity); err != nil {
			return transportError("put", name+paritySuffix, err)
		}
	}

	db.mu.Lock()
	db.bytesSaved += int64(len(data))
	db.blobsSaved++
	db.mu.Unlock()

	return nil
}

func (db *Disk) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path, err := db.path(name)
	if err != nil {
		return nil, false, err
	}

	b, err := afero.ReadFile(db.fs, path)
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, transportError("get", name, err)
	}

	parity, err := afero.ReadFile(db.fs, path+paritySuffix)
	if os.IsNotExist(err) {
		return b, true, nil
	} else if err != nil {
		log.Warning("%s: %s", path+paritySuffix, err)
		return b, true, nil
	}

	fixed, err := rdso.Repair(b, parity, log)
	if err != nil {
		// The caller authenticates what it reads, so hand back what's on
		// disk and let that catch any damage.
		log.Error("%s: unable to repair: %s", path, err)
		return b, true, nil
	}
	if !bytes.Equal(fixed, b) {
		log.Warning("%s: repaired corrupt data", path)
		if err := db.writeFile(path, fixed); err != nil {
			log.Error("%s: %s", path, err)
		}
		db.mu.Lock()
		db.repaired++
		db.mu.Unlock()
	}
	return fixed, true, nil
}

func (db *Disk) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := afero.Walk(db.fs, db.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, paritySuffix) ||
			strings.HasSuffix(path, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(db.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, transportError("list", prefix, err)
	}
	return filterPrefix(names, prefix), nil
}

// Fsck checks the Reed-Solomon parity of all of the stored objects that
// have it and reports any problems via the logger specified by
// SetLogger. It returns the number of corrupt objects found.
func (db *Disk) Fsck() int {
	log.Verbose("%s: checking Reed-Solomon codes of all files", db)
	nCorrupt := 0
	err := afero.Walk(db.fs, db.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, paritySuffix) {
			return nil
		}
		dataPath := strings.TrimSuffix(path, paritySuffix)
		data, err := afero.ReadFile(db.fs, dataPath)
		if err != nil {
			log.Error("%s: %s", dataPath, err)
			nCorrupt++
			return nil
		}
		parity, err := afero.ReadFile(db.fs, path)
		if err != nil {
			log.Error("%s: %s", path, err)
			nCorrupt++
			return nil
		}
		if err := rdso.Check(data, parity, log); err != nil {
			log.Error("%s: %s", dataPath, err)
			nCorrupt++
		}
		return nil
	})
	if err != nil {
		log.Error("%s: %s", db.dir, err)
		nCorrupt++
	}
	return nCorrupt
}

func (db *Disk) LogStats() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.blobsSaved > 0 {
		log.Print("saved %s in %d objects (avg %.1f B / object)",
			u.FmtBytes(db.bytesSaved), db.blobsSaved,
			float64(db.bytesSaved)/float64(db.blobsSaved))
	}
	if db.repaired > 0 {
		log.Warning("repaired %d corrupt objects", db.repaired)
	}
}
