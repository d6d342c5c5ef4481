package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory S3Client. Objects stay below the uploader's part
// size, so multipart calls are never expected.
type fakeS3 struct {
	mu         sync.Mutex
	objects    map[string]fakeObject
	puts       int
	bucketErr  error
	getErr     error
	lastBucket string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

var errMultipart = errors.New("multipart upload not supported by fake")

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.lastBucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, metadata: meta}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data)), Metadata: obj.metadata}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.bucketErr != nil {
		return nil, f.bucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errMultipart
}

func TestS3Vault_ObjectKeys(t *testing.T) {
	fake := newFakeS3()
	v := NewS3Vault(fake, "bucket", "backups/zr")

	if err := v.PutMedia("cafe", strings.NewReader("m"), 1); err != nil {
		t.Fatalf("PutMedia() error = %v", err)
	}
	if err := v.PutSnapshot("acct", "manifest", strings.NewReader("s"), 1, 5); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	if _, ok := fake.objects["backups/zr/media/cafe"]; !ok {
		t.Errorf("media object missing, have %v", keys(fake))
	}
	snap, ok := fake.objects["backups/zr/snapshots/acct/manifest"]
	if !ok {
		t.Fatalf("snapshot object missing, have %v", keys(fake))
	}
	if snap.metadata[versionMetadataKey] != "5" {
		t.Errorf("version metadata = %q, want 5", snap.metadata[versionMetadataKey])
	}
	if fake.lastBucket != "bucket" {
		t.Errorf("bucket = %q, want bucket", fake.lastBucket)
	}
}

func TestS3Vault_SnapshotWithoutVersion(t *testing.T) {
	fake := newFakeS3()
	fake.objects["snapshots/acct/db"] = fakeObject{data: []byte("x")}
	v := NewS3Vault(fake, "bucket", "")

	version, err := v.GetSnapshotVersion("acct", "db")
	if err != nil || version != 0 {
		t.Errorf("GetSnapshotVersion() = %d, %v; want 0, nil", version, err)
	}

	fake.objects["snapshots/acct/db"] = fakeObject{data: []byte("x"), metadata: map[string]string{versionMetadataKey: "x1"}}
	if _, err := v.GetSnapshotVersion("acct", "db"); err == nil {
		t.Error("GetSnapshotVersion() with bad metadata expected error")
	}
}

func TestS3Vault_Errors(t *testing.T) {
	fake := newFakeS3()
	v := NewS3Vault(fake, "bucket", "")

	boom := errors.New("access denied")
	fake.getErr = boom
	if err := v.GetMedia("a", &bytes.Buffer{}); !errors.Is(err, boom) {
		t.Errorf("GetMedia() error = %v, want %v", err, boom)
	}

	fake.bucketErr = boom
	if err := v.ValidateSetup(); !errors.Is(err, boom) {
		t.Errorf("ValidateSetup() error = %v, want %v", err, boom)
	}
}

func keys(f *fakeS3) []string {
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}
