// Package objectstore uploads rendered derivatives to an S3-compatible
// bucket and fetches previously stored objects back for reprocessing.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"clipforge/internal/config"
	"clipforge/internal/services"
)

// Uploader stores local files under bucket keys. The pipeline depends on
// this interface so tests can substitute an in-memory implementation.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (Object, error)
	Download(ctx context.Context, key, localPath string) error
}

// Object describes a stored derivative.
type Object struct {
	Key         string
	ContentType string
	SizeBytes   int64
}

// Client wraps the S3 API for derivative storage.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds an object store client from configuration. MinIO and other
// S3-compatible services are supported through the custom endpoint and
// path-style addressing.
func New(ctx context.Context, cfg config.ObjectStore) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "objectstore", "new", "bucket name required", nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "objectstore", "new", "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

// Upload stores a local file under the given key.
func (c *Client) Upload(ctx context.Context, localPath, key string) (Object, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "objectstore", "upload", "open local file", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "objectstore", "upload", "stat local file", err)
	}

	contentType := ContentTypeFor(localPath)
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "objectstore", "upload",
			fmt.Sprintf("put object %s", key), err)
	}

	return Object{Key: key, ContentType: contentType, SizeBytes: info.Size()}, nil
}

// Download fetches an object into a local file, creating parent directories.
func (c *Client) Download(ctx context.Context, key, localPath string) error {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "objectstore", "download",
			fmt.Sprintf("get object %s", key), err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "objectstore", "download", "ensure local directory", err)
	}
	file, err := os.Create(localPath)
	if err != nil {
		return services.Wrap(services.ErrTransient, "objectstore", "download", "create local file", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, out.Body); err != nil {
		_ = os.Remove(localPath)
		return services.Wrap(services.ErrTransient, "objectstore", "download", "write local file", err)
	}
	return nil
}

// ContentTypeFor resolves a MIME type from the file extension, falling back
// to octet-stream for anything unrecognized.
func ContentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".gif":
		return "image/gif"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// DerivativeKey builds the canonical bucket key for a job output.
func DerivativeKey(jobID, fileName string) string {
	return fmt.Sprintf("derivatives/%s/%s", jobID, fileName)
}

var (
	_ Uploader = (*Client)(nil)

	// ErrNotConfigured reports that no object store was configured; the
	// upload stage treats this as skippable.
	ErrNotConfigured = errors.New("object store not configured")
)
