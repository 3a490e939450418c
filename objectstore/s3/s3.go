// Package s3 implements objectstore.Store over AWS S3. Grounded on
// original_source/packages/code/envoi_code/utils/storage.py's
// get_s3_client/upload_file/download_file/list_objects helpers.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/envoi-run/trajectory/objectstore"
)

// Client is the subset of *s3.Client the Store needs, mirroring
// bedrock.RuntimeClient's pattern of narrowing the SDK surface to ease
// testing with a fake.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is an objectstore.Store backed by S3.
type Store struct {
	client Client
	bucket string
}

// New builds a Store targeting bucket.
func New(client Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put uploads body under key and returns its s3:// URI.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("objectstore/s3: read body for %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore/s3: put %s: %w", key, err)
	}
	return objectstore.ArtifactURI("s3", s.bucket, key), nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx context.Context, key string) (objectstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("objectstore/s3: get %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("objectstore/s3: read %s: %w", key, err)
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return objectstore.Object{Body: body, ContentType: contentType}, nil
}

// List returns every key under prefix, paging through ListObjectsV2.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore/s3: list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}
