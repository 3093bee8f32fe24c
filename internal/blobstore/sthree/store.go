// Package sthree implements a blob store on any S3-compatible backend
// (AWS S3, MinIO). Uploads are staged to a local scratch directory because
// S3 needs the full length up front; commit is a single PutObject.
package sthree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/blobstore"
	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/hashx"
)

// Client is the subset of the S3 API the store needs; *s3.Client satisfies it.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config carries connection settings for the S3-compatible backend.
type Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	RootUser     string // MINIO_ROOT_USER / access key id
	RootPassword string // MINIO_ROOT_PASSWORD / secret access key
	ScratchDir   string // local staging directory
}

type Store struct {
	client     Client
	bucket     string
	scratchDir string
}

// New builds a Store with a real S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.RootUser,
			cfg.RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return NewWithClient(client, cfg.Bucket, cfg.ScratchDir), nil
}

// NewWithClient builds a Store around an existing client. Used by tests.
func NewWithClient(client Client, bucket, scratchDir string) *Store {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Store{client: client, bucket: bucket, scratchDir: scratchDir}
}

// objectKey derives a location unique to each commit. The uuid suffix keeps
// a pending delete of an old record from removing a newer record's bytes.
func objectKey(digest hashx.Digest) string {
	return path.Join("blobs", digest.String(), uuid.NewString())
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (s *Store) Stage(ctx context.Context, r io.Reader) (*blobstore.Staged, error) {
	if err := os.MkdirAll(s.scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensuring scratch dir: %w", err)
	}

	f, err := os.CreateTemp(s.scratchDir, "staged-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("staging: %w", err)
	}

	return &blobstore.Staged{Key: f.Name(), Size: n}, nil
}

func (s *Store) Commit(ctx context.Context, staged *blobstore.Staged, digest hashx.Digest) (string, error) {
	key := objectKey(digest)

	f, err := os.Open(staged.Key)
	if err != nil {
		return "", fmt.Errorf("opening staged file: %w", err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(staged.Size),
	})
	if err != nil {
		return "", fmt.Errorf("committing object %q: %w", key, err)
	}

	_ = os.Remove(staged.Key)
	return key, nil
}

func (s *Store) Discard(ctx context.Context, staged *blobstore.Staged) error {
	if err := os.Remove(staged.Key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding %q: %w", filepath.Base(staged.Key), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, location string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing %q: %w", location, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("opening %q: %w", location, err)
	}
	return out.Body, nil
}

func (s *Store) Has(ctx context.Context, location string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
