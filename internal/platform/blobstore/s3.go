package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client used by S3Store, extracted so tests
// can substitute a stub.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is a content-addressed Store on an S3-compatible bucket. The object
// key is the SHA-256 digest of the content, so identical payloads collapse to
// one object and re-uploads are naturally idempotent.
type S3Store struct {
	client s3API
	bucket string
	region string
}

// NewS3Store creates an S3Store using the ambient AWS configuration chain
// (environment, shared config, instance role).
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 store: load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, data []byte, name string, tags map[string]string) (*PinResult, error) {
	cid := ContentID(data)

	meta := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		meta[k] = v
	}
	if name != "" {
		meta["name"] = name
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(cid),
		Body:     bytes.NewReader(data),
		Metadata: meta,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: put object: %v", ErrUnavailable, err)
	}

	return &PinResult{CID: cid, Size: int64(len(data))}, nil
}

func (s *S3Store) Get(ctx context.Context, cid string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cid),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("%w: get object: %v", ErrUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (s *S3Store) Unpin(ctx context.Context, cid string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cid),
	})
	if err != nil {
		return fmt.Errorf("%w: delete object: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *S3Store) GatewayURL(cid string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, cid)
}
