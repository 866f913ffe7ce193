package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FolderSlides is the S3 prefix for slide images.
const FolderSlides = "slides"

// ErrInvalidImageRef is returned for an image reference that is not an object key.
var ErrInvalidImageRef = errors.New("invalid image reference")

// ImageExtensions maps allowed slide image extensions to their MIME type.
var ImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

// S3Config holds S3 client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SlidesBucket    string
	// PublicBucket serves image URLs unsigned; otherwise they are presigned.
	PublicBucket         bool
	PresignExpireMinutes int
}

// S3 resolves and streams slide images.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using credentials from .env/config", zap.String("region", cfg.Region), zap.String("slides_bucket", cfg.SlidesBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// IsExternal reports whether ref is already an absolute URL rather than an object key.
func IsExternal(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// SlideImageKey normalizes an image reference to an object key: slides/{name} unless it
// already carries a folder. Absolute URLs and path traversal are rejected.
func SlideImageKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || IsExternal(ref) || strings.Contains(ref, "..") {
		return "", ErrInvalidImageRef
	}
	ref = strings.TrimPrefix(ref, "/")
	if !strings.Contains(ref, "/") {
		ref = path.Join(FolderSlides, ref)
	}
	return ref, nil
}

// ContentTypeForKey returns the MIME type for an image key extension.
func ContentTypeForKey(key string) string {
	if ct, ok := ImageExtensions[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// SlidesBucket returns the slides bucket name.
func (s *S3) SlidesBucket() string { return s.cfg.SlidesBucket }

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// PublicObjectURL returns the public URL for an object (no signing; use when bucket is public).
func (s *S3) PublicObjectURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
}

// GeneratePresignedDownloadURL returns a pre-signed GET URL for download.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// ImageURL turns a slide image reference into a URL renderers can load. Absolute URLs
// pass through unchanged; an unusable reference yields "".
func (s *S3) ImageURL(ref string) string {
	if IsExternal(ref) {
		return ref
	}
	key, err := SlideImageKey(ref)
	if err != nil {
		return ""
	}
	if s.cfg.PublicBucket {
		return s.PublicObjectURL(s.cfg.SlidesBucket, key)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, err := s.GeneratePresignedDownloadURL(ctx, s.cfg.SlidesBucket, key, s.PresignExpire())
	if err != nil {
		s.logger.Warn("presign slide image failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return url
}

// GetObjectStream returns the object body and content type for streaming (e.g. image proxy). Caller must close the body.
func (s *S3) GetObjectStream(ctx context.Context, bucket, key string) (body io.ReadCloser, contentType string, err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	ct := ""
	if out.ContentType != nil {
		ct = *out.ContentType
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = ContentTypeForKey(key)
	}
	return out.Body, ct, nil
}
