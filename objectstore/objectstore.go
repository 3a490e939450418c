// Package objectstore defines the blob storage contract used to publish
// trace snapshots, finalization bundles, and flushed logs (spec.md §6's
// object layout). Grounded on
// original_source/packages/code/envoi_code/utils/storage.py's S3 helpers.
package objectstore

import (
	"context"
	"io"
)

// Object is a single stored blob's bytes plus its content type.
type Object struct {
	Body        []byte
	ContentType string
}

// Store is the contract every object backend must implement.
type Store interface {
	// Put uploads body under key, returning the URI callers persist onto
	// Artifacts (e.g. trace_blob_uri).
	Put(ctx context.Context, key string, body io.Reader, contentType string) (uri string, err error)

	// Get downloads the object at key.
	Get(ctx context.Context, key string) (Object, error)

	// List returns every key under prefix, matching storage.py's
	// list_trajectory_artifacts scan.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ArtifactURI renders the canonical "<scheme>://<bucket>/<key>" form used
// across Artifacts fields, matching storage.py's artifact_uri.
func ArtifactURI(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}
