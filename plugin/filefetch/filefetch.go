// Package filefetch downloads files referenced by URL for tools.
package filefetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultMaxBytes caps the size of a fetched file.
const DefaultMaxBytes = 20 << 20

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrTooLarge          = errors.New("file too large")
)

// S3Config configures access to s3:// URLs. Empty keys use the default AWS
// credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Fetcher retrieves http(s):// and s3:// URLs.
type Fetcher struct {
	client   *http.Client
	s3Config S3Config
	maxBytes int64

	once       sync.Once
	s3Client   *s3.Client
	downloader *manager.Downloader
	s3Err      error
}

func New(s3Config S3Config) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 60 * time.Second},
		s3Config: s3Config,
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads the file at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u.String())
	case "s3":
		return f.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// FetchBase64 downloads the file at rawURL and returns it base64-encoded.
func (f *Fetcher) FetchBase64(ctx context.Context, rawURL string) (string, error) {
	data, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 url needs a bucket and a key")
	}
	if err := f.setupS3(ctx); err != nil {
		return nil, err
	}

	head, err := f.s3Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3 head %s/%s: %w", bucket, key, err)
	}
	if aws.ToInt64(head.ContentLength) > f.maxBytes {
		return nil, ErrTooLarge
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, aws.ToInt64(head.ContentLength)))
	if _, err := f.downloader.Download(ctx, buf, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

func (f *Fetcher) setupS3(ctx context.Context) error {
	f.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if f.s3Config.Region != "" {
			opts = append(opts, config.WithRegion(f.s3Config.Region))
		}
		if f.s3Config.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.s3Config.AccessKeyID, f.s3Config.SecretAccessKey, ""),
			))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.s3Err = fmt.Errorf("load aws config: %w", err)
			return
		}
		f.s3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if f.s3Config.Endpoint != "" {
				o.BaseEndpoint = aws.String(f.s3Config.Endpoint)
				o.UsePathStyle = true
			}
		})
		f.downloader = manager.NewDownloader(f.s3Client)
	})
	return f.s3Err
}
