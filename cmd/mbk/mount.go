// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to archived messages via FUSE.

import (
	"os"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/mbk/archive"
	"github.com/mmp/mbk/config"
	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/mailbox"
	"github.com/mmp/mbk/storage"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// Number of sealed messages kept in memory.
const mountCacheSize = 1024

func newMountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <dir> [email_address...]",
		Short: "Mount archived messages as a read-only filesystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(func(s *session) error {
				return mountAccounts(s, args[0], args[1:])
			})
		},
	}
}

func mountAccounts(s *session, dir string, addresses []string) error {
	cached, err := storage.NewCached(s.store, mountCacheSize)
	if err != nil {
		return err
	}

	accts, err := s.config.Select(addresses)
	if err != nil {
		return err
	}
	root := &rootDir{}
	for _, acct := range accts {
		ad, err := openAccountDir(s.ctx, cached, acct)
		if err != nil {
			log.Error("%s: %s", acct.EmailAddress, err)
			continue
		}
		root.accounts = append(root.accounts, ad)
	}

	conn, err := fuse.Mount(
		dir,
		fuse.FSName("mbkfs"),
		fuse.Subtype("mbkfs"),
		fuse.VolumeName("mail"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-s.ctx.Done()
		log.Print("%s: unmounting", dir)
		if err := fuse.Unmount(dir); err != nil {
			log.Error("%s: %s", dir, err)
		}
	}()

	if err := fs.Serve(conn, root); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

// The top level of the hierarchy has one directory for each account.
type rootDir struct {
	accounts []*accountDir
}

func (r *rootDir) Root() (fs.Node, error) {
	return r, nil
}

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, ad := range r.accounts {
		if ad.name == name {
			return ad, nil
		}
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, ad := range r.accounts {
		de = append(de, fuse.Dirent{Name: ad.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

// Each account's directory holds one .eml file per archived message,
// named the same way a directory restore names them.
type accountDir struct {
	name   string
	reader *archive.Reader
	files  map[string]*messageFile
	order  []string
}

func openAccountDir(ctx context.Context, store storage.BlobStore, acct config.Account) (*accountDir, error) {
	ns, err := acct.Namespace()
	if err != nil {
		return nil, err
	}
	r, err := archive.New(store, ns, log).OpenReader(ctx, acct.Passphrase())
	if err != nil {
		return nil, err
	}

	ad := &accountDir{name: acct.EmailAddress, reader: r, files: make(map[string]*messageFile)}
	for i, e := range r.Entries(true) {
		name := mailbox.FileName(e, i)
		ad.files[name] = &messageFile{entry: e, reader: r}
		ad.order = append(ad.order, name)
	}
	log.Verbose("%s: %d messages", acct.EmailAddress, len(ad.order))
	return ad, nil
}

func (ad *accountDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (ad *accountDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if f, ok := ad.files[name]; ok {
		return f, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (ad *accountDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	de := make([]fuse.Dirent, 0, len(ad.order))
	for _, name := range ad.order {
		de = append(de, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	return de, nil
}

type messageFile struct {
	entry  archive.Entry
	reader *archive.Reader

	// The size is only known once the sealed message has been fetched.
	mu   sync.Mutex
	size int64
}

func (f *messageFile) Attr(ctx context.Context, a *fuse.Attr) error {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()

	if size == 0 {
		blob, err := storage.MustGet(ctx, f.reader.Store(), f.entry.Object)
		if err != nil {
			log.Error("%s", err)
			return fuse.EIO
		}
		size = crypt.PlaintextSize(int64(len(blob)))
		f.mu.Lock()
		f.size = size
		f.mu.Unlock()
	}

	a.Mode = 0400
	a.Size = uint64(size)
	return nil
}

// Implements fuse.fs.HandleReadAller
func (f *messageFile) ReadAll(ctx context.Context) ([]byte, error) {
	b, err := f.reader.Read(ctx, f.entry)
	if err != nil {
		log.Error("%s", err)
		return nil, fuse.EIO
	}
	return b, nil
}
