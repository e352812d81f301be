// internal/blobstore/s3.go
// S3-compatible blob store for providers that keep replicas in object
// storage (MinIO or AWS S3) instead of the local filesystem. Object PUTs
// are atomic, so the temp-then-rename dance of the disk store is not
// needed here.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Store wraps the AWS S3 client for replica blob operations.
type s3Store struct {
	client *s3.Client // AWS S3 client
	bucket string     // Bucket holding replica objects
}

// NewS3 creates an S3-backed blob store. It supports both AWS S3 and
// S3-compatible services like MinIO.
func NewS3(endpoint, region, bucket, accessKey, secretKey string) (Store, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &s3Store{client: client, bucket: bucket}, nil
}

func (s *s3Store) objectKey(sourceDeviceID string) string {
	return "replicas/" + sourceDeviceID + ".db.encrypted"
}

func (s *s3Store) Put(ctx context.Context, sourceDeviceID string, data []byte) (string, error) {
	key := s.objectKey(sourceDeviceID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put replica object: %w", err)
	}
	return key, nil
}

func (s *s3Store) Get(ctx context.Context, sourceDeviceID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(sourceDeviceID)),
	})
	if err != nil {
		return nil, fmt.Errorf("get replica object: %w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}
