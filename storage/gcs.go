// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	u "github.com/mmp/bkstore/util"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS is a Destination that stores objects in a Google Cloud Storage
// bucket. Credentials come from the environment.
type GCS struct {
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	name         string
	storageClass string
	log          *u.Logger
}

type GCSOptions struct {
	BucketName string
	// Only needed if the bucket must be created.
	ProjectId string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional storage class for uploaded objects, e.g. "COLDLINE".
	StorageClass string

	Log *u.Logger
}

// NewGCS connects to the given bucket, creating it if it doesn't exist.
func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	g := &GCS{
		client:       client,
		bucket:       client.Bucket(options.BucketName),
		name:         options.BucketName,
		storageClass: options.StorageClass,
		log:          options.Log.With("gcs"),
	}

	if _, err := g.bucket.Attrs(ctx); errors.Is(err, gcs.ErrBucketNotExist) {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			client.Close()
			return nil, fmt.Errorf("gs://%s: bucket doesn't exist and no project given",
				options.BucketName)
		}
		g.log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc})
		if err != nil {
			client.Close()
			return nil, err
		}
	} else if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	var exists bool
	err := retry(ctx, g.log, key, func() error {
		_, err := g.bucket.Object(key).Attrs(ctx)
		if errors.Is(err, gcs.ErrObjectNotExist) {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

func (g *GCS) Download(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	g.log.Debug("%s: starting gcs download", key)

	obj := g.bucket.Object(key)
	var b []byte
	err := retry(ctx, g.log, key, func() error {
		r, err := obj.NewReader(ctx)
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("%s: %s: %w", g, key, ErrNotFound)
		} else if err != nil {
			return err
		}
		b, err = io.ReadAll(r)
		r.Close()
		return err
	})
	return b, err
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *GCS) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	for i := 0; i < maxKeyVariants; i++ {
		k := keyVariant(key, i)
		// Checking for existence by grabbing the attrs is much cheaper
		// than uploading everything only to have the precondition fail
		// at Close().
		if _, err := g.bucket.Object(k).Attrs(ctx); err == nil {
			continue
		} else if !errors.Is(err, gcs.ErrObjectNotExist) {
			return "", err
		}

		err := retry(ctx, g.log, k, func() error {
			return g.upload(ctx, k, data)
		})
		if errors.Is(err, errKeyTaken) {
			// Someone else got there first.
			continue
		}
		if err != nil {
			return "", err
		}
		return k, nil
	}
	return "", fmt.Errorf("%s: %s: no free key", g, key)
}

func (g *GCS) upload(ctx context.Context, name string, buf []byte) error {
	g.log.Verbose("%s: starting upload", name)

	obj := g.bucket.Object(name).If(gcs.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	// Make it upload along the way rather than buffering it all in the
	// client library.
	w.ChunkSize = 256 * 1024
	w.ContentType = "application/octet-stream"
	if g.storageClass != "" {
		w.StorageClass = g.storageClass
	}
	// Have GCS verify the CRC we compute locally so that data corrupted
	// in transit is rejected rather than stored.
	w.CRC32C = crc32.Checksum(buf, castagnoliTable)
	w.SendCRC32C = true

	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		var ge *googleapi.Error
		if errors.As(err, &ge) && ge.Code == http.StatusPreconditionFailed {
			return errKeyTaken
		}
		return err
	}

	g.log.Verbose("%s: finished upload", name)
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return retry(ctx, g.log, key, func() error {
		err := g.bucket.Object(key).Delete(ctx)
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("%s: %s: %w", g, key, ErrNotFound)
		}
		return err
	})
}

func (g *GCS) List(ctx context.Context, prefix string, fn func(string) error) error {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(obj.Name); err != nil {
			return err
		}
	}
}
