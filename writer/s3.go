package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fundingpool/config"
	"fundingpool/logger"
)

// S3Uploader puts objects under the configured bucket and prefix. It mirrors
// contract snapshots and uploads archived pool sessions.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

func NewS3Uploader(ctx context.Context, cfg config.S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    logger.GetLogger(),
	}, nil
}

func (u *S3Uploader) Bucket() string { return u.bucket }

// Key joins key onto the configured prefix.
func (u *S3Uploader) Key(key string) string {
	key = strings.TrimLeft(key, "/")
	if u.prefix == "" {
		return key
	}
	return path.Join(u.prefix, key)
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	fullKey := u.Key(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, fullKey, err)
	}
	u.log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"bucket": u.bucket,
		"key":    fullKey,
		"bytes":  len(body),
	}).Debug("object uploaded")
	return nil
}
