// Package asyncinfer implements the asynchronous inference pipeline:
// tile submission, result correlation, the polling fallback, and resource
// cleanup. It exists for endpoints that answer through the object store
// instead of the request socket.
package asyncinfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
)

// S3API is the subset of the S3 client the async pipeline needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ObjectStore is the async pipeline's view of S3, addressed by s3:// URIs.
type ObjectStore struct {
	client S3API
}

// NewObjectStore wraps an S3 client.
func NewObjectStore(client S3API) *ObjectStore {
	return &ObjectStore{client: client}
}

// Upload writes body to the URI.
func (o *ObjectStore) Upload(ctx context.Context, uri string, body io.Reader) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	if _, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return apperr.Wrap(apperr.KindS3Operation, fmt.Errorf("upload %s: %w", uri, err))
	}
	return nil
}

// Download reads the whole object at the URI.
func (o *ObjectStore) Download(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindS3Operation, fmt.Errorf("download %s: %w", uri, err))
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindS3Operation, fmt.Errorf("read %s: %w", uri, err))
	}
	return body, nil
}

// Exists reports whether an object is present at the URI.
func (o *ObjectStore) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return false, err
	}
	_, err = o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, apperr.Wrap(apperr.KindS3Operation, fmt.Errorf("head %s: %w", uri, err))
}

// Delete removes the object at the URI. Deleting a missing object is not an
// error.
func (o *ObjectStore) Delete(ctx context.Context, uri string) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	if _, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return apperr.Wrap(apperr.KindS3Operation, fmt.Errorf("delete %s: %w", uri, err))
	}
	return nil
}

// URI builds an s3:// URI from bucket and key parts.
func URI(bucket string, keyParts ...string) string {
	return "s3://" + bucket + "/" + strings.Join(keyParts, "/")
}

func splitURI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", apperr.Newf(apperr.KindS3Operation, "not an s3 uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", apperr.Newf(apperr.KindS3Operation, "malformed s3 uri: %q", uri)
	}
	return bucket, key, nil
}
