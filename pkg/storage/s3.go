package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the slice of the S3 API the store needs. *s3.Client satisfies
// it; tests substitute an in-memory fake.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps files as objects in one S3 bucket, optionally under a key
// prefix. Snapshots stream to S3 as they are written rather than being
// buffered in memory, so archiving a large failed-task backlog stays flat.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 returns a store over bucket. A non-empty prefix is prepended to
// every object key, separated by a slash.
func NewS3(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *S3Store) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	if err != nil {
		if notFoundErr(err) {
			return nil, fmt.Errorf("storage: %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("storage: get %s: %w", path, err)
	}
	return out.Body, nil
}

// Write starts a streaming upload. The returned writer feeds a pipe that a
// background PutObject consumes; Close blocks until the upload finishes and
// returns its error, so callers must check Close before trusting the object
// exists.
func (s *S3Store) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(path)),
			Body:   pr,
		})
		// Unblocks a writer stuck in Write when the upload dies early.
		pr.CloseWithError(err)
		done <- err
	}()
	return &pipeUpload{w: pw, done: done}, nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	if err != nil {
		if notFoundErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: head %s: %w", path, err)
	}
	return true, nil
}

// pipeUpload is the writer half of a streaming upload.
type pipeUpload struct {
	w    *io.PipeWriter
	done chan error
}

func (u *pipeUpload) Write(p []byte) (int, error) {
	return u.w.Write(p)
}

func (u *pipeUpload) Close() error {
	u.w.Close()
	return <-u.done
}

// notFoundErr reports whether err is S3's way of saying the object is gone.
// HeadObject surfaces NotFound, GetObject surfaces NoSuchKey.
func notFoundErr(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	code := ae.ErrorCode()
	return code == "NotFound" || code == "NoSuchKey"
}

var _ FileStore = (*S3Store)(nil)
