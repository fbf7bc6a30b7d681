package r2s3

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader copies one local file to an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

// Config describes an S3-compatible bucket (AWS S3, Cloudflare R2, MinIO).
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// ConfigFromEnv reads
//
//	IDLEGROVE_S3_ENDPOINT, IDLEGROVE_S3_REGION (default auto), IDLEGROVE_S3_BUCKET,
//	IDLEGROVE_S3_ACCESS_KEY_ID, IDLEGROVE_S3_SECRET_ACCESS_KEY, IDLEGROVE_S3_PATH_STYLE.
//
// Empty keys fall back to the default AWS credential chain.
func ConfigFromEnv() Config {
	pathStyle, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("IDLEGROVE_S3_PATH_STYLE")))
	return Config{
		Endpoint:        strings.TrimSpace(os.Getenv("IDLEGROVE_S3_ENDPOINT")),
		Region:          strings.TrimSpace(os.Getenv("IDLEGROVE_S3_REGION")),
		Bucket:          strings.TrimSpace(os.Getenv("IDLEGROVE_S3_BUCKET")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("IDLEGROVE_S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("IDLEGROVE_S3_SECRET_ACCESS_KEY")),
		PathStyle:       pathStyle,
	}
}

type Client struct {
	s3     *s3.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("s3 access key id and secret must be set together")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		}
	})
	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

func (c *Client) PutFile(ctx context.Context, objectKey, localPath string) error {
	key := normalizeObjectKey(objectKey)
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func normalizeObjectKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	return strings.TrimLeft(key, "/")
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}
