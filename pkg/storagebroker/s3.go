package storagebroker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by the S3 backend.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	Region       string
	Endpoint     string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	UsePathStyle bool
}

// S3Backend serves s3://bucket/<uuid> URIs.
type S3Backend struct {
	client S3API
}

// NewS3Backend loads the default AWS config chain for cfg.Region.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client}, nil
}

// NewS3BackendWithClient uses an existing client.
func NewS3BackendWithClient(client S3API) *S3Backend {
	return &S3Backend{client: client}
}

func (*S3Backend) Scheme() string { return "s3" }

// GenerateURI places datasets under their UUID, not their name, so two
// datasets with one name never share objects.
func (*S3Backend) GenerateURI(_ string, uuid, baseURI string) (string, error) {
	return bucketGenerateURI("s3", uuid, baseURI)
}

func (s *S3Backend) Open(_ context.Context, uri string) (Broker, error) {
	bucket, prefix, err := bucketURI("s3", uri)
	if err != nil {
		return nil, err
	}
	return newObjectBroker(&s3Objects{client: s.client, bucket: bucket}, uri, prefix), nil
}

type s3Objects struct {
	client S3API
	bucket string
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (o *s3Objects) put(ctx context.Context, key string, body io.ReadSeeker, size int64, meta map[string]string) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return nil
}

func (o *s3Objects) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errNoObject
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	return out.Body, nil
}

func (o *s3Objects) head(ctx context.Context, key string) (objectInfo, error) {
	out, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return objectInfo{}, errNoObject
		}
		return objectInfo{}, fmt.Errorf("s3 head failed for %s: %w", key, err)
	}
	return objectInfo{Size: aws.ToInt64(out.ContentLength), Meta: out.Metadata}, nil
}

func (o *s3Objects) remove(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", key, err)
	}
	return nil
}

func (o *s3Objects) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (o *s3Objects) close() error { return nil }
