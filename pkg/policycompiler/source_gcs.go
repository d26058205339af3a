//go:build gcp

package policycompiler

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSource pulls the declarative policy YAML from a GCS bucket instead
// of local disk, so a fleet of gateway replicas can share one policy
// bundle without a sidecar sync process. Gated behind the gcp build tag
// since cloud.google.com/go/storage is only worth the binary size in
// deployments that actually use it.
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSSource creates a GCS-backed policy source using the default
// application credentials.
func NewGCSSource(ctx context.Context, bucket, object string) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("policycompiler: create gcs client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, object: object}, nil
}

// Load downloads the policy source and compiles it, so a Reload can pull
// the latest bundle on every call.
func (s *GCSSource) Load(ctx context.Context) (*Compiled, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("policycompiler: open gcs object: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("policycompiler: read gcs object: %w", err)
	}
	return Compile(raw)
}

// Close releases the GCS client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}
