// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs wraps Google Cloud Storage behind the small ObjectStore
// surface the tool server needs: read an object, list a prefix, upload.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Scheme prefixes every object URI.
const Scheme = "gs://"

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the object storage used for dataset loads, artifact
// uploads and ledger mirroring.
type ObjectStore interface {
	// NewReader opens an object. Missing objects return ErrObjectNotFound.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)

	// List returns the names of objects under prefix, sorted.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Upload writes r to an object, replacing it.
	Upload(ctx context.Context, bucket, object, contentType string, r io.Reader) error
}

// Client is an ObjectStore backed by cloud.google.com/go/storage.
type Client struct {
	storageClient *storage.Client
}

// NewClient creates a storage client.
//
// With an empty credentialsFile the ambient Application Default
// Credentials are used.
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Client{storageClient: storageClient}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}

// NewReader implements ObjectStore.
func (c *Client) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	r, err := c.storageClient.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, object)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	return r, nil
}

// List implements ObjectStore.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.storageClient.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Upload implements ObjectStore.
func (c *Client) Upload(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	writer := c.storageClient.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to copy to GCS object gs://%s/%s: %w", bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// =============================================================================
// URIs
// =============================================================================

// ParseURI splits gs://bucket/object. The object may be empty.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, _ = strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("gs:// uri has no bucket: %q", uri)
	}
	return bucket, object, nil
}

// BucketName strips the scheme and any trailing slash from a configured
// bucket such as "gs://reports/".
func BucketName(bucket string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(bucket), Scheme), "/")
}

// PublicURL is the HTTPS URL of an object.
func PublicURL(bucket, object string) string {
	return "https://storage.googleapis.com/" + bucket + "/" + object
}
