// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements just enough of the S3 REST API, with path-style
// addressing, for the S3 store to talk to it.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	fail    int // number of upcoming requests to fail with a 500
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail > 0 {
		f.fail--
		http.Error(w, "try again", http.StatusInternalServerError)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path != f.bucket && !strings.HasPrefix(path, f.bucket+"/") {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(path, f.bucket), "/")

	switch {
	case r.Method == http.MethodPut && key != "":
		b, err := ioutil.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = b
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && key != "":
		b, ok := f.objects[key]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b)

	case r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		res := listBucketResult{Name: f.bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{k, len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)

	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(k string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[k]
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = n
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>` + code +
		`</Code><Message>` + code + `</Message></Error>`))
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	fake := &fakeS3{bucket: "mail", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3(S3Options{
		Endpoint:       srv.URL,
		AccessKey:      "key",
		SecretKey:      "secret",
		Bucket:         "mail",
		ForcePathStyle: true,
		DisableSSL:     true,
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3(t)
	assert.Equal(t, "s3://mail", s.String())

	require.NoError(t, s.Put(ctx, "a_at_b.c/salt.bin", []byte("0123456789abcdef")))
	require.NoError(t, s.Put(ctx, "a_at_b.c/email_0_ff.enc", []byte{1, 2, 3}))
	require.NoError(t, s.Put(ctx, "z_at_b.c/salt.bin", []byte("x")))
	assert.Equal(t, 3, fake.count())

	b, found, err := s.Get(ctx, "a_at_b.c/salt.bin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0123456789abcdef", string(b))

	b, found, err = s.Get(ctx, "a_at_b.c/email_hashes.json")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, b)

	names, err := s.List(ctx, "a_at_b.c/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_at_b.c/email_0_ff.enc", "a_at_b.c/salt.bin"}, names)
}

func TestS3Retry(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3(t)

	fake.failNext(2)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	assert.Equal(t, "v", string(fake.object("k")))

	fake.failNext(100)
	err := s.Put(ctx, "k", []byte("w"))
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	_, _, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
}
