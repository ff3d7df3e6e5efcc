// Package objectstore holds the MinIO client used to export finished
// component bundles.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/forgeui-labs/forgeui-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketBundles string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FORGE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("FORGE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("FORGE_MINIO_ACCESS_KEY", "forge"),
		SecretKey:     env.String("FORGE_MINIO_SECRET_KEY", "forgeminio"),
		Region:        env.String("FORGE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketBundles: env.String("FORGE_MINIO_BUCKET_BUNDLES", "component-bundles"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketBundles) == "" {
		return errors.New("bundles bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketBundles)
	if err != nil {
		return fmt.Errorf("bundles bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BucketBundles, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make bundles bucket: %w", err)
	}
	return nil
}

// BundleExporter uploads finished component bundles and returns their object
// keys. It satisfies the pipeline's exporter contract.
type BundleExporter struct {
	client *minio.Client
	bucket string
}

func NewBundleExporter(client *minio.Client, bucket string) *BundleExporter {
	if client == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &BundleExporter{client: client, bucket: bucket}
}

func (e *BundleExporter) Export(ctx context.Context, jobID string, bundle []byte) (string, error) {
	if e == nil || e.client == nil {
		return "", errors.New("bundle exporter not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", errors.New("job id is required")
	}
	if len(bundle) == 0 {
		return "", errors.New("bundle is empty")
	}

	key := fmt.Sprintf("jobs/%s/bundle.json", jobID)
	_, err := e.client.PutObject(ctx, e.bucket, key, bytes.NewReader(bundle), int64(len(bundle)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put bundle: %w", err)
	}
	return key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
