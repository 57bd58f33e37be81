package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing. The multipart uploader may
// call UploadPart concurrently, so all state is mutex-guarded.
type mockS3Client struct {
	mu sync.Mutex
	// objects stores all objects keyed by their upstream S3 key.
	objects map[string][]byte
	// modTimes tracks per-object modification times for listing.
	modTimes map[string]time.Time
	// multipartUploads tracks active multipart uploads.
	multipartUploads map[string]*mockMultipartUpload
	// nextUploadID is the counter for generating upload IDs.
	nextUploadID int
	// pageSize, when positive, truncates ListObjectsV2 responses to force
	// pagination.
	pageSize int
	// deleteObjectCalls tracks the number of DeleteObject calls.
	deleteObjectCalls int
}

type mockMultipartUpload struct {
	key   string
	parts map[int32][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:          make(map[string][]byte),
		modTimes:         make(map[string]time.Time),
		multipartUploads: make(map[string]*mockMultipartUpload),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	m.objects[key] = data
	m.modTimes[key] = time.Now()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteObjectCalls++
	key := aws.ToString(params.Key)
	delete(m.objects, key)
	delete(m.modTimes, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// CopySource format: "bucket/key".
	parts := strings.SplitN(aws.ToString(params.CopySource), "/", 2)
	if len(parts) < 2 {
		return nil, &mockAPIError{code: "NoSuchKey", message: "Invalid copy source", httpStatus: 404}
	}
	data, ok := m.objects[parts[1]]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}

	dstKey := aws.ToString(params.Key)
	m.objects[dstKey] = append([]byte(nil), data...)
	m.modTimes[dstKey] = time.Now()
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUploadID++
	uploadID := fmt.Sprintf("mock-upload-%d", m.nextUploadID)
	m.multipartUploads[uploadID] = &mockMultipartUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{
		UploadId: aws.String(uploadID),
	}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.multipartUploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	upload.parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{
		ETag: aws.String(fmt.Sprintf(`"part-%d"`, aws.ToInt32(params.PartNumber))),
	}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadID := aws.ToString(params.UploadId)
	upload, ok := m.multipartUploads[uploadID]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}

	var assembled bytes.Buffer
	for _, cp := range params.MultipartUpload.Parts {
		partData, ok := upload.parts[aws.ToInt32(cp.PartNumber)]
		if !ok {
			return nil, &mockAPIError{code: "InvalidPart", message: "Part not found", httpStatus: 400}
		}
		assembled.Write(partData)
	}

	m.objects[upload.key] = assembled.Bytes()
	m.modTimes[upload.key] = time.Now()
	delete(m.multipartUploads, uploadID)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.multipartUploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	// ContinuationToken is the key to resume after.
	if after := aws.ToString(params.ContinuationToken); after != "" {
		i := sort.SearchStrings(keys, after)
		if i < len(keys) && keys[i] == after {
			i++
		}
		keys = keys[i:]
	}

	truncated := false
	if m.pageSize > 0 && len(keys) > m.pageSize {
		keys = keys[:m.pageSize]
		truncated = true
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, key := range keys {
		mod := m.modTimes[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(m.objects[key]))),
			LastModified: aws.Time(mod),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

// --- Test helpers ---

func newTestS3Backend(t *testing.T) (*S3Backend, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	backend := NewS3BackendWithClient("upstream-bucket", "tmpfiles/", mock)
	return backend, mock
}

// --- Tests ---

func TestS3PutAndGet(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()

	content := "hello s3 backend"
	written, err := backend.Put(ctx, "2026-08/obj.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}

	// The backend key carries the configured prefix upstream.
	if _, ok := mock.objects["tmpfiles/2026-08/obj.txt"]; !ok {
		t.Errorf("object not stored under prefixed key, have %v", mockKeys(mock))
	}

	data, err := backend.Get(ctx, "2026-08/obj.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestS3OpenRead(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	content := "stream me"
	if _, err := backend.Put(ctx, "k", strings.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	body, size, err := backend.OpenRead(ctx, "k")
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer body.Close()
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestS3GetNotFound(t *testing.T) {
	backend, _ := newTestS3Backend(t)

	_, err := backend.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("Get should fail for a missing object")
	}
	if !IsNotExist(err) {
		t.Errorf("error should wrap ErrNotExist, got: %v", err)
	}
}

func TestS3Delete(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()

	if _, err := backend.Put(ctx, "doomed", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err := backend.Exists(ctx, "doomed")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("object still exists after delete")
	}
	if mock.deleteObjectCalls != 1 {
		t.Errorf("DeleteObject calls = %d, want 1", mock.deleteObjectCalls)
	}

	// Idempotent: deleting a missing key is not an error.
	if err := backend.Delete(ctx, "doomed"); err != nil {
		t.Errorf("second Delete should not error, got: %v", err)
	}
}

func TestS3Rename(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	content := "promote me"
	if _, err := backend.Put(ctx, "2026-08/tentative.part", strings.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := backend.Rename(ctx, "2026-08/tentative.part", "2026-08/final.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if exists, _ := backend.Exists(ctx, "2026-08/tentative.part"); exists {
		t.Error("old key still exists after rename")
	}
	data, err := backend.Get(ctx, "2026-08/final.txt")
	if err != nil {
		t.Fatalf("Get after rename failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestS3RenameMissingSource(t *testing.T) {
	backend, _ := newTestS3Backend(t)

	err := backend.Rename(context.Background(), "missing", "dst")
	if err == nil {
		t.Fatal("Rename should fail for a missing source")
	}
	if !IsNotExist(err) {
		t.Errorf("error should wrap ErrNotExist, got: %v", err)
	}
}

func TestS3Exists(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	exists, err := backend.Exists(ctx, "nope")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true for a missing object")
	}

	if _, err := backend.Put(ctx, "yep", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	exists, err = backend.Exists(ctx, "yep")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists = false for a stored object")
	}
}

func TestS3ListKeysStripsPrefixAndPaginates(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()
	mock.pageSize = 2

	want := []string{"2026-08/a.txt", "2026-08/b.txt", "2026-08/c.txt", "2026-09/d.txt", "2026-09/e.txt"}
	for _, key := range want {
		if _, err := backend.Put(ctx, key, strings.NewReader("data-"+key)); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}

	var got []string
	err := backend.ListKeys(ctx, func(info KeyInfo) error {
		got = append(got, info.Key)
		if info.Size == 0 {
			t.Errorf("ListKeys reported zero size for %q", info.Key)
		}
		if info.ModTime.IsZero() {
			t.Errorf("ListKeys reported zero mod time for %q", info.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("listed %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestS3ListKeysCallbackErrorStopsWalk(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := backend.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	sentinel := fmt.Errorf("stop here")
	visited := 0
	err := backend.ListKeys(ctx, func(info KeyInfo) error {
		visited++
		return sentinel
	})
	if err == nil || !strings.Contains(err.Error(), "stop here") {
		t.Errorf("ListKeys error = %v, want the callback error", err)
	}
	if visited != 1 {
		t.Errorf("visited = %d, want 1", visited)
	}
}

func TestS3HealthCheck(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

// mockKeys returns the upstream keys currently stored in the mock.
func mockKeys(m *mockS3Client) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
