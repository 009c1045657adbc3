package s3backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"
)

// Client writes ledger snapshots to one bucket. It implements Uploader.
type Client struct {
	api    *s3.Client
	bucket string
	region string
	custom bool // non-AWS endpoint
}

// NewClient builds the S3 client for cfg and makes sure the bucket is
// reachable. Outside production a missing bucket is created.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, errors.New("ledger backup is disabled")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region), config.WithCredentialsProvider(creds))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	c := &Client{
		bucket: cfg.BucketName,
		region: cfg.Region,
		custom: cfg.EndpointURL != "",
	}
	c.api = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.custom {
			// MinIO and similar only resolve path-style URLs
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	log.Infof("[S3Backup] ledger backups go to bucket %s", c.bucket)
	return c, nil
}

func (c *Client) ensureBucket(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if GetAppEnv() == "prod" {
		return fmt.Errorf("ledger bucket %s not accessible: %w", c.bucket, err)
	}

	log.Warnf("[S3Backup] ledger bucket %s missing, creating it", c.bucket)
	in := &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}
	// us-east-1 and custom endpoints reject a location constraint
	if !c.custom && c.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}
	if _, err := c.api.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("create ledger bucket %s: %w", c.bucket, err)
	}
	return nil
}

// PutObject stores one snapshot. Snapshots are encrypted at rest on AWS.
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      map[string]string{"source": "pagebrief-ledger"},
	}
	if !c.custom {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", c.bucket, key, err)
	}
	log.Debugf("[S3Backup] wrote s3://%s/%s (%d bytes)", c.bucket, key, len(body))
	return nil
}
