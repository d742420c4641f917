// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by helpers like MustGet when an object that
	// is required to exist isn't present. BlobStore.Get itself never
	// returns it; it reports absence via its found return value.
	ErrNotFound = errors.New("object not found")
	// ErrTransport matches every *TransportError with errors.Is.
	ErrTransport = errors.New("transport error")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// BlobStore describes a general interface for storing named objects; the
// archive code stores sealed messages, the salt, and the manifest through
// it. Implementations store data on disk, in the cloud, in a database,
// etc., or wrap another BlobStore to add behavior like rate limiting or
// caching.
//
// Note: it isn't safe in general for multiple threads to call Put
// concurrently, though Get may be called by multiple threads.
type BlobStore interface {
	// String returns the name of the BlobStore in the form of a string.
	String() string

	// Put stores data under the given name, replacing any existing
	// object with that name. The object is visible to Get once Put
	// returns without error.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the object with the given name. If it doesn't exist,
	// found is false and err is nil; err is only non-nil for failures to
	// communicate with the underlying store.
	Get(ctx context.Context, name string) (data []byte, found bool, err error)
}

// Lister is implemented by BlobStores that can enumerate the objects
// they hold.
type Lister interface {
	// List returns the names of all objects whose name starts with the
	// given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// StatsLogger is implemented by BlobStores that gather statistics during
// their operation.
type StatsLogger interface {
	LogStats()
}

// TransportError reports a failure to communicate with a store.
type TransportError struct {
	Op   string // "put", "get", or "list"
	Name string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func transportError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Name: name, Err: err}
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// retry calls f until it succeeds, a maximum number of tries is reached,
// or the context is cancelled.
func retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || ctx.Err() != nil {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		case <-ctx.Done():
			return err
		}
	}
}

// MustGet is like Get but returns ErrNotFound if the object is absent.
func MustGet(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, found, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return b, nil
}

// Exists reports whether an object with the given name is stored.
func Exists(ctx context.Context, s BlobStore, name string) (bool, error) {
	_, found, err := s.Get(ctx, name)
	return found, err
}

// LogStats reports any statistics gathered by s or by the stores it
// wraps.
func LogStats(s BlobStore) {
	if sl, ok := s.(StatsLogger); ok {
		sl.LogStats()
	}
}

// ErrListUnsupported is returned by wrapping stores whose underlying
// store can't list its objects.
var ErrListUnsupported = errors.New("listing objects is not supported")

func errNotLister(s BlobStore) error {
	return errors.Wrap(ErrListUnsupported, s.String())
}

func filterPrefix(names []string, prefix string) []string {
	var r []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			r = append(r, n)
		}
	}
	sort.Strings(r)
	return r
}

///////////////////////////////////////////////////////////////////////////

// GetMany fetches the named objects using up to nReaders goroutines and
// calls f for each one, in the order the names were given. The first
// error, from either a fetch or f, stops the processing of further
// objects and is returned.
func GetMany(ctx context.Context, s BlobStore, names []string, nReaders int,
	f func(name string, data []byte, found bool) error) error {
	if len(names) == 0 {
		return nil
	}
	// Limit the maximum number of concurrent readers.
	if nReaders < 1 {
		nReaders = 1
	}
	if len(names) < nReaders {
		nReaders = len(names)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cin := make(chan nameIndex, len(names))
	cout := make(chan indexData, nReaders)

	// Launch readers.
	for i := 0; i < nReaders; i++ {
		go preader(ctx, s, cin, cout)
	}

	for i, n := range names {
		// Indices are assigned in order so that we can deliver results in
		// the order of the names.
		cin <- nameIndex{name: n, index: i}
	}
	close(cin)

	// Objects that we've gotten from the readers, including ones that
	// we're not ready to deliver yet since we don't have their
	// predecessors yet.
	m := make(map[int]indexData)
	for next := 0; next < len(names); {
		id, ok := m[next]
		if !ok {
			select {
			case id = <-cout:
			case <-ctx.Done():
				return ctx.Err()
			}
			// What we got may or may not be the one we're waiting for;
			// record it in the map and go 'round again.
			m[id.index] = id
			continue
		}
		delete(m, next)
		next++

		if id.err != nil {
			return id.err
		}
		if err := f(names[id.index], id.data, id.found); err != nil {
			return err
		}
	}
	return nil
}

type nameIndex struct {
	name  string
	index int
}

type indexData struct {
	index int
	data  []byte
	found bool
	err   error
}

func preader(ctx context.Context, s BlobStore, cin chan nameIndex, cout chan indexData) {
	for ni := range cin {
		if ctx.Err() != nil {
			return
		}
		data, found, err := s.Get(ctx, ni.name)
		select {
		case cout <- indexData{index: ni.index, data: data, found: found, err: err}:
		case <-ctx.Done():
			return
		}
	}
}
