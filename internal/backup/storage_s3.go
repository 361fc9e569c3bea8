package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	apperrors "famsync/internal/errors"
)

// S3StorageProvider implements StorageProvider for Amazon S3 and S3-compatible endpoints
type S3StorageProvider struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3StorageProvider creates a new S3StorageProvider instance
func NewS3StorageProvider(config *S3Config, prefix string) (*S3StorageProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("S3 storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create AWS session", err)
	}

	return &S3StorageProvider{
		client: s3.New(sess),
		bucket: config.Bucket,
		prefix: prefix,
	}, nil
}

// Name returns the provider type
func (s3p *S3StorageProvider) Name() string { return string(StorageProviderS3) }

// Put uploads an object
func (s3p *S3StorageProvider) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s3p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s3p.bucket),
		Key:           aws.String(joinPrefix(s3p.prefix, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return remoteError("failed to upload object to S3", key, err)
	}
	return nil
}

// Get downloads an object
func (s3p *S3StorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s3p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3p.bucket),
		Key:    aws.String(joinPrefix(s3p.prefix, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, apperrors.NewNotFoundError("object", key)
		}
		return nil, remoteError("failed to download object from S3", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, remoteError("failed to read S3 object body", key, err)
	}
	return data, nil
}

// Delete removes an object
func (s3p *S3StorageProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s3p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3p.bucket),
		Key:    aws.String(joinPrefix(s3p.prefix, key)),
	})
	if err != nil && !isS3NotFound(err) {
		return remoteError("failed to delete object from S3", key, err)
	}
	return nil
}

// List returns keys under prefix relative to the provider prefix
func (s3p *S3StorageProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	base := joinPrefix(s3p.prefix, "")
	err := s3p.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3p.bucket),
		Prefix: aws.String(base + prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, base))
		}
		return true
	})
	if err != nil {
		return nil, remoteError("failed to list objects in S3", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck verifies bucket access and list permission
func (s3p *S3StorageProvider) HealthCheck(ctx context.Context) error {
	if _, err := s3p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s3p.bucket),
	}); err != nil {
		return remoteError("S3 health check failed: bucket not accessible", s3p.bucket, err)
	}

	if _, err := s3p.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s3p.bucket),
		Prefix:  aws.String(s3p.prefix),
		MaxKeys: aws.Int64(1),
	}); err != nil {
		return remoteError("S3 health check failed: cannot list objects", s3p.bucket, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
