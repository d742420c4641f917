// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"io/ioutil"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional. Uses application default credentials if not specified.
	CredentialsFile string
	// Optional storage class for sealed messages, e.g. "COLDLINE";
	// everything else uses the bucket's default.
	StorageClass string
}

// GCS is a BlobStore that stores objects in Google Cloud Storage.
type GCS struct {
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	name         string
	storageClass string
}

func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	var opts []option.ClientOption
	if options.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(options.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		client:       client,
		bucket:       client.Bucket(options.BucketName),
		name:         options.BucketName,
		storageClass: options.StorageClass,
	}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if options.ProjectId == "" {
			return nil, errors.Errorf("%s: project id needed to create bucket",
				options.BucketName)
		}
		err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, transportError("list", prefix, err)
		}
		if !strings.HasSuffix(obj.Name, tmpSuffix) {
			names = append(names, obj.Name)
		}
	}
	return filterPrefix(names, prefix), nil
}

func (g *GCS) Get(ctx context.Context, name string) ([]byte, bool, error) {
	log.Debug("%s: starting gcs download", name)

	obj := g.bucket.Object(name)
	var b []byte
	found := true
	err := retry(ctx, name, func() error {
		r, err := obj.NewReader(ctx)
		if err == gcs.ErrObjectNotExist {
			found = false
			return nil
		} else if err != nil {
			return err
		}
		b, err = ioutil.ReadAll(r)
		r.Close()
		return err
	})
	if err != nil {
		return nil, false, transportError("get", name, err)
	}
	if !found {
		return nil, false, nil
	}
	return b, true, nil
}

func (g *GCS) Put(ctx context.Context, name string, data []byte) error {
	err := retry(ctx, name, func() error {
		return g.upload(ctx, name, data)
	})
	return transportError("put", name, err)
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *GCS) upload(ctx context.Context, name string, buf []byte) error {
	obj := g.bucket.Object(name)
	tmpName := name + tmpSuffix
	tmpObj := g.bucket.Object(tmpName)

	log.Debug("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	gcsCrc := w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return errors.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", tmpName,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	if g.storageClass != "" && strings.HasSuffix(name, ".enc") {
		copier.StorageClass = g.storageClass
	}
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(ctx)
	if err == nil {
		log.Debug("%s: finished upload", name)
	}
	return err
}
