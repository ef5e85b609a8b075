package trace

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Uploader ships finished captures to a bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader connects to endpoint and creates the bucket if it is missing.
func NewS3Uploader(ctx context.Context, endpoint string, access string, secretAccess string, bucket string, prefix string, secure bool) (*S3Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secretAccess, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		err = client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, err
		}
	}

	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (u *S3Uploader) Key(name string) string {
	return fmt.Sprintf("%s%s.btpcap", u.prefix, name)
}

// Upload copies the capture file at path to the bucket and returns its key.
func (u *S3Uploader) Upload(ctx context.Context, name string, path string) (string, error) {
	key := u.Key(name)
	_, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("could not upload capture: %w", err)
	}
	return key, nil
}

// Fetch reads a capture back from the bucket.
func (u *S3Uploader) Fetch(ctx context.Context, key string) ([]*Record, error) {
	obj, err := u.client.GetObject(ctx, u.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return ReadCapture(obj)
}
