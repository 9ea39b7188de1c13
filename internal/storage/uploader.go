package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// ObjectPutter is the part of the S3 client the uploader uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Uploader struct {
	cfg    Config
	client ObjectPutter
	now    func() time.Time
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newUploader(cfg, s3.New(options)), nil
}

func newUploader(cfg Config, client ObjectPutter) *Uploader {
	if cfg.Prefix == "" {
		cfg.Prefix = "results"
	}
	return &Uploader{cfg: cfg, client: client, now: time.Now}
}

// Upload stores data under prefix/<yyyy>/<mm>/<dd>/<uuid><ext> inside the configured root prefix
// and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := u.generateKey(prefix, contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (u *Uploader) generateKey(prefix, contentType string) string {
	ext := extensionFromContentType(contentType)
	now := u.now().UTC()
	root := strings.Trim(u.cfg.Prefix, "/")
	return path.Join(root, strings.Trim(prefix, "/"), fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(mediaType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ".bin"
	}
}
