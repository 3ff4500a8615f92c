package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// S3Config options for the S3 source
type S3Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix to import
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)
}

// ObjectClient is the subset of the S3 API the source uses
type ObjectClient interface {
	s3.ListObjectsV2APIClient
	manager.DownloadAPIClient
}

// S3 reads every object below a prefix of a bucket
type S3 struct {
	client     ObjectClient
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3 creates an S3 source from the default AWS configuration chain
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = config.UsePathStyle
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return NewS3WithClient(client, config.Bucket, config.Prefix), nil
}

// NewS3WithClient creates an S3 source over an existing client
func NewS3WithClient(client ObjectClient, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 1
		}),
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3) Walk(ctx context.Context, fn func(ctx context.Context, item Item) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.wrapError("list", s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			contents, err := s.download(ctx, key, aws.ToInt64(obj.Size))
			if err != nil {
				return err
			}
			name := strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
			if err := fn(ctx, Item{Name: name, Contents: contents}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3) download(ctx context.Context, key string, size int64) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapError("download", key, err)
	}
	return buf.Bytes(), nil
}

// wrapError maps S3 API error codes onto the error categories
func (s *S3) wrapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return fmt.Errorf("%s s3://%s/%s: %w: %w", op, s.bucket, key, textrepo.ErrNotFound, err)
		}
	}
	return textrepo.Unavailable(fmt.Sprintf("%s s3://%s/%s", op, s.bucket, key), err)
}

var _ Source = (*S3)(nil)
