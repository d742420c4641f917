// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type S3Options struct {
	// Optional; for S3-compatible services other than AWS.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	// Address buckets as endpoint/bucket rather than bucket.endpoint;
	// most S3-compatible services need this.
	ForcePathStyle bool
	// Optional. Uses plain HTTP; only useful for local test servers.
	DisableSSL bool
}

// S3 is a BlobStore that stores objects in an Amazon S3 (or
// S3-compatible) bucket.
type S3 struct {
	bucket string
	s3     *s3.S3
}

func NewS3(opts S3Options) (*S3, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(opts.ForcePathStyle),
		DisableSSL:       aws.Bool(opts.DisableSSL),
		// Retries are handled by retry() so they're logged.
		MaxRetries: aws.Int(0),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey,
			opts.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &S3{bucket: opts.Bucket, s3: s3.New(sess)}, nil
}

func (s *S3) String() string {
	return "s3://" + s.bucket
}

func (s *S3) Put(ctx context.Context, name string, data []byte) error {
	log.Debug("%s: starting s3 upload, %d bytes", name, len(data))
	err := retry(ctx, name, func() error {
		_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	return transportError("put", name, err)
}

func (s *S3) Get(ctx context.Context, name string) ([]byte, bool, error) {
	var b []byte
	found := true
	err := retry(ctx, name, func() error {
		obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
		})
		if isS3NotFound(err) {
			found = false
			return nil
		} else if err != nil {
			return err
		}
		defer obj.Body.Close()
		b, err = ioutil.ReadAll(obj.Body)
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

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() == 404 {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return true
	}
	return false
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	eachPage := func(page *s3.ListObjectsV2Output, more bool) bool {
		for _, obj := range page.Contents {
			if key := aws.StringValue(obj.Key); key != "" {
				keys = append(keys, key)
			}
		}
		return true
	}
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if err := s.s3.ListObjectsV2PagesWithContext(ctx, params, eachPage); err != nil {
		return nil, transportError("list", prefix, err)
	}
	return filterPrefix(keys, prefix), nil
}
