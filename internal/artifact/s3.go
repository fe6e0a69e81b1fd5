package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"citywatch/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the gateway uses; narrowed for
// fakes in tests.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Gateway stores artifacts in an S3 bucket. References use the
// s3://bucket/key scheme. Uploads are a single PutObject, so a failure
// never leaves a partial object.
type S3Gateway struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Gateway resolves AWS credentials from the default chain.
func NewS3Gateway(ctx context.Context, bucket, prefix, region string) (*S3Gateway, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 artifact backend requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Gateway{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// newS3GatewayWithClient injects a client for tests.
func newS3GatewayWithClient(client s3API, bucket, prefix string) *S3Gateway {
	return &S3Gateway{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (g *S3Gateway) Upload(ctx context.Context, data []byte, contentType, suggestedKey string) (string, error) {
	key := sanitizeKey(suggestedKey)
	if key == "" {
		return "", &StorageError{Backend: "s3", Key: suggestedKey, Err: fmt.Errorf("empty key")}
	}
	if !strings.Contains(path.Base(key), ".") {
		key += extensionFor(contentType)
	}
	if g.prefix != "" {
		key = g.prefix + "/" + key
	}

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &StorageError{Backend: "s3", Key: key, Err: err}
	}

	logging.Artifact("stored %d bytes at s3://%s/%s", len(data), g.bucket, key)
	return fmt.Sprintf("s3://%s/%s", g.bucket, key), nil
}
