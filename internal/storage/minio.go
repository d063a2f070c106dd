package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient stores run reports in S3 or any S3-compatible service
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient connects to cfg.Endpoint. Without an access key the
// credentials come from the environment or the instance role
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	host, secure, err := endpointHost(cfg.Endpoint, cfg.Secure)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	creds := credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	if cfg.AccessKey == "" {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.IAM{},
		})
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinIOClient{client: client}, nil
}

// endpointHost reduces an endpoint to host[:port]. A scheme, when given,
// decides TLS; otherwise secure is kept
func endpointHost(endpoint string, secure bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint %q has a path but no scheme", endpoint)
		}
		return endpoint, secure, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		secure = true
	case "http":
		secure = false
	default:
		return "", false, fmt.Errorf("endpoint scheme %q is not http or https", u.Scheme)
	}
	if strings.Trim(u.Path, "/") != "" {
		return "", false, fmt.Errorf("endpoint must not have a path, got %s", u.Path)
	}
	return u.Host, secure, nil
}

func objectInfo(obj minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          obj.Key,
		Size:         obj.Size,
		ETag:         obj.ETag,
		LastModified: obj.LastModified,
		ContentType:  obj.ContentType,
		Metadata:     obj.UserMetadata,
	}
}

func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := c.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

func (c *MinIOClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	return objectInfo(info), nil
}

// ListObjects walks every object under prefix. The error channel carries
// at most one error and both channels are closed when the walk ends
func (c *MinIOClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
		for obj := range c.client.ListObjects(ctx, bucket, opts) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}
			select {
			case objCh <- objectInfo(obj):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objCh, errCh
}
