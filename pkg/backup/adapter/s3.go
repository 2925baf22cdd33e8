package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3-compatible object storage adapter. Endpoint
// and UsePathStyle make this work against MinIO and other S3-compatible
// backends, not just AWS itself.
type S3Config struct {
	Bucket       string
	Endpoint     string // empty selects the default AWS endpoint resolution
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3 stores backup archives in an S3-compatible bucket, prefixing object
// keys with the server UUID.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3 adapter from static credentials.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("adapter: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Type() Type { return TypeS3 }

func (s *S3) key(serverUUID, backupUUID string) string {
	return serverUUID + "/" + backupUUID + ".tar.gz"
}

func (s *S3) Exists(ctx context.Context, serverUUID, backupUUID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("adapter: heading object: %w", err)
}

func (s *S3) Write(ctx context.Context, serverUUID, backupUUID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("adapter: uploading %s: %w", backupUUID, err)
	}
	return nil
}

func (s *S3) WriteFromPath(ctx context.Context, serverUUID, backupUUID, sourcePath string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("adapter: opening %s: %w", sourcePath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("adapter: uploading %s: %w", backupUUID, err)
	}
	return nil
}

func (s *S3) Read(ctx context.Context, serverUUID, backupUUID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adapter: downloading %s: %w", backupUUID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("adapter: reading %s: %w", backupUUID, err)
	}
	return data, nil
}

func (s *S3) PresignedURL(ctx context.Context, serverUUID, backupUUID string, expiresInSecs int64) (string, bool, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
	}, s3.WithPresignExpires(time.Duration(expiresInSecs)*time.Second))
	if err != nil {
		return "", false, fmt.Errorf("adapter: presigning %s: %w", backupUUID, err)
	}
	return req.URL, true, nil
}

func (s *S3) Delete(ctx context.Context, serverUUID, backupUUID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("adapter: deleting %s: %w", backupUUID, err)
	}
	return nil
}

func (s *S3) Size(ctx context.Context, serverUUID, backupUUID string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(serverUUID, backupUUID)),
	})
	if isNotFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adapter: heading %s: %w", backupUUID, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3) List(ctx context.Context, serverUUID string) ([]string, error) {
	prefix := serverUUID + "/"

	var uuids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	const suffix = ".tar.gz"
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("adapter: listing %s: %w", serverUUID, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if len(key) <= len(prefix)+len(suffix) {
				continue
			}
			trimmed := key[len(prefix):]
			if trimmed[len(trimmed)-len(suffix):] != suffix {
				continue
			}
			uuids = append(uuids, trimmed[:len(trimmed)-len(suffix)])
		}
	}
	return uuids, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
