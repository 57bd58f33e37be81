// S3-compatible backend for tmpfiles.
//
// All objects live in a single upstream bucket under an optional key prefix.
// Uploads stream through the SDK's multipart uploader, so object size does
// not need to be known up front and large bodies never buffer whole in
// memory. Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured, which is the usual arrangement for MinIO-style endpoints.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. It is a superset of manager.UploadAPIClient so the multipart uploader
// can share the same client, and it allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Options configures the S3 backend.
type S3Options struct {
	// Bucket is the upstream bucket name.
	Bucket string
	// Region is the bucket's region.
	Region string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	// EndpointURL overrides the S3 endpoint for S3-compatible stores.
	EndpointURL string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
	// AccessKeyID and SecretAccessKey override the default credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Backend implements the Backend interface against an S3-compatible object
// store.
type S3Backend struct {
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

// NewS3Backend creates an S3Backend from the given options and verifies the
// upstream bucket is accessible.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	b := newS3BackendWithClient(opts.Bucket, opts.Prefix, client)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 backend initialized", "bucket", opts.Bucket, "prefix", opts.Prefix, "endpoint", opts.EndpointURL)
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(bucket, prefix string, client S3API) *S3Backend {
	return newS3BackendWithClient(bucket, prefix, client)
}

func newS3BackendWithClient(bucket, prefix string, client S3API) *S3Backend {
	return &S3Backend{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// s3Key maps a backend key to an upstream S3 key.
func (b *S3Backend) s3Key(key string) string {
	return b.prefix + key
}

// countingReader counts bytes as they pass through to the uploader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put streams object data to the upstream bucket via a multipart upload.
// The SDK uploader aborts the multipart upload on failure, so a failed Put
// leaves no readable object behind.
func (b *S3Backend) Put(ctx context.Context, key string, reader io.Reader) (int64, error) {
	cr := &countingReader{r: reader}

	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.s3Key(key)),
		Body:   cr,
	})
	if err != nil {
		return 0, fmt.Errorf("uploading to S3: %w", err)
	}

	return cr.n, nil
}

// Get reads the whole object into memory.
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	body, _, err := b.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading object body from S3: %w", err)
	}
	return data, nil
}

// OpenRead retrieves the object as a stream. The caller is responsible for
// closing the returned ReadCloser.
func (b *S3Backend) OpenRead(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("getting object %q from S3: %w", key, ErrNotExist)
		}
		return nil, 0, fmt.Errorf("getting object %q from S3: %w", key, err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// Delete removes an object from the upstream bucket. Idempotent: S3
// DeleteObject does not error on missing keys.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object %q from S3: %w", key, err)
	}
	return nil
}

// Rename promotes an object to a new key with a server-side copy followed by
// a delete of the old key. S3 has no native rename; the copy-then-delete pair
// briefly leaves both keys readable, which the orphan grace window tolerates.
func (b *S3Backend) Rename(ctx context.Context, oldKey, newKey string) error {
	copySource := b.bucket + "/" + b.s3Key(oldKey)

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.s3Key(newKey)),
		CopySource: aws.String(copySource),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("copying object %q in S3: %w", oldKey, ErrNotExist)
		}
		return fmt.Errorf("copying object %q to %q in S3: %w", oldKey, newKey, err)
	}

	return b.Delete(ctx, oldKey)
}

// Exists checks whether an object is stored at key.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

// ListKeys paginates through ListObjectsV2 under the configured prefix,
// invoking fn for each object with the prefix stripped.
func (b *S3Backend) ListKeys(ctx context.Context, fn func(KeyInfo) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix)
	}

	for {
		resp, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("listing objects in S3: %w", err)
		}

		for _, obj := range resp.Contents {
			info := KeyInfo{
				Key: strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			if err := fn(info); err != nil {
				return err
			}
		}

		if !aws.ToBool(resp.IsTruncated) {
			return nil
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
}

// HealthCheck verifies that the upstream bucket is accessible.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure S3Backend implements Backend at compile time.
var _ Backend = (*S3Backend)(nil)
