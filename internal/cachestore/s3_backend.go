package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultS3Prefix keeps chunks out of the bucket root when the DSN names no path.
const DefaultS3Prefix = "clinicsync-cache"

// s3API is the subset of *s3.Client used by S3Backend.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
	// Static keys, taken from the DSN userinfo. Empty means the default chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Backend stores each chunk as one object under Prefix. PutObject replaces
// an object atomically, which is the only write guarantee Store needs.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
}

// ParseS3DSN reads s3://[key:secret@]bucket/prefix?region=...&endpoint=...&path_style=true.
func ParseS3DSN(dsn string) (S3Config, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return S3Config{}, err
	}
	if parsed.Host == "" {
		return S3Config{}, fmt.Errorf("%w: s3 dsn needs a bucket", ErrInvalidInput)
	}
	q := parsed.Query()
	pathStyle, _ := strconv.ParseBool(q.Get("path_style"))
	cfg := S3Config{
		Bucket:    parsed.Host,
		Prefix:    strings.Trim(parsed.Path, "/"),
		Region:    q.Get("region"),
		Endpoint:  q.Get("endpoint"),
		PathStyle: pathStyle,
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultS3Prefix
	}
	if parsed.User != nil {
		cfg.AccessKeyID = parsed.User.Username()
		cfg.SecretAccessKey, _ = parsed.User.Password()
	}
	return cfg, nil
}

// NewS3Backend uses the static keys in cfg when present and the default AWS
// credential chain otherwise.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Backend(client, cfg), nil
}

func newS3Backend(client s3API, cfg S3Config) *S3Backend {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: prefix}
}

func (b *S3Backend) Load(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) Save(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.prefix + key),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/zstd"),
	})
	return err
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
	})
	if err != nil && !isS3NotFound(err) {
		return err
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]Entry, error) {
	var (
		out   []Entry
		token *string
	)
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, Entry{
				Key:  strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size: aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (b *S3Backend) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
