package awsx

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Objects reads S3 objects.
type Objects struct {
	client S3API
}

// NewObjects wraps an S3 client.
func NewObjects(client S3API) *Objects {
	return &Objects{client: client}
}

// GetObjectContent downloads bucket/key. Keys ending in .gz are decompressed.
func (o *Objects) GetObjectContent(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if !strings.HasSuffix(key, ".gz") {
		return body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gunzip s3://%s/%s: %w", bucket, key, err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip s3://%s/%s: %w", bucket, key, err)
	}
	return plain, nil
}
