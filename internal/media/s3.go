package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store reads media from an S3-compatible bucket. Cloudflare R2 is the default endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
}

type S3Config struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	// Endpoint overrides the R2 endpoint derived from AccountID.
	Endpoint string
}

func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	region := c.Region
	if region == "" {
		region = "auto"
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &S3Store{client: client, bucket: c.Bucket}, nil
}

func (s *S3Store) get(ctx context.Context, key, byteRange string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, key, "")
}

// Kind fetches only the leading bytes of the object.
func (s *S3Store) Kind(ctx context.Context, key string) (Kind, error) {
	body, err := s.get(ctx, key, fmt.Sprintf("bytes=0-%d", sniffLen-1))
	if err != nil {
		return KindUnknown, err
	}
	defer body.Close()

	head, err := io.ReadAll(io.LimitReader(body, sniffLen))
	if err != nil {
		return KindUnknown, fmt.Errorf("read object %s: %w", key, err)
	}
	return Detect(head), nil
}
