package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Exporter writes audit ledger snapshots to S3 for long-term cold
// storage, alongside the live Postgres/SQLite copy. It is an
// append-only archive: bundles are never overwritten, only appended
// under a new timestamped key.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ExporterConfig configures the cold-storage destination.
type S3ExporterConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Exporter connects to S3 using the default AWS credential chain.
func NewS3Exporter(ctx context.Context, cfg S3ExporterConfig) (*S3Exporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ledger: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Exporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ExportBundle marshals entries as a single JSON array and uploads them
// under a key derived from the export time, returning the object key a
// caller can record for later retrieval.
func (e *S3Exporter) ExportBundle(ctx context.Context, entries []*Entry, at time.Time) (string, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal export bundle: %w", err)
	}

	key := fmt.Sprintf("%sledger-export-%s.json", e.prefix, at.UTC().Format("20060102T150405Z"))
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: s3 export: %w", err)
	}
	return key, nil
}
