// Package archive stores reconciliation reports in S3-compatible object
// storage so drift history survives restarts.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/poolbet/internal/audit"
)

// Config holds S3 connection settings. Endpoint is only needed for
// S3-compatible stores such as MinIO; empty AccessKey falls back to the
// default AWS credential chain.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each report as one JSON object.
type S3Archiver struct {
	client putter
	bucket string
	prefix string
}

// NewS3 creates an archiver for cfg.Bucket.
func NewS3(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads r under a date-partitioned key.
func (a *S3Archiver) Archive(ctx context.Context, r *audit.Report) error {
	_, err := a.Put(ctx, r)
	return err
}

// Put uploads r and returns the object key it was written to.
func (a *S3Archiver) Put(ctx context.Context, r *audit.Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode report: %w", err)
	}
	key := Key(a.prefix, r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}

// Key names a report object:
//
//	<prefix>/YYYY/MM/DD/reconciliation-YYYYMMDDTHHMMSSZ[-applied].json
func Key(prefix string, r *audit.Report) string {
	at := r.GeneratedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	name := "reconciliation-" + at.Format("20060102T150405Z")
	if r.Applied > 0 {
		name += "-applied"
	}
	return path.Join(strings.Trim(prefix, "/"), at.Format("2006/01/02"), name+".json")
}
