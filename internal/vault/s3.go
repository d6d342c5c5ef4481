package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"zrbackup/internal/backup"
	"zrbackup/internal/config"
)

// versionMetadataKey is the object metadata key holding a snapshot version.
const versionMetadataKey = "zrbackup-version"

const defaultS3Timeout = 5 * time.Minute

// S3Client is the subset of *s3.Client the vault uses.
type S3Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault stores media and snapshots as objects under a bucket prefix:
//
//	<prefix>/media/<name>
//	<prefix>/snapshots/<accountID>/<name>   (version in object metadata)
type S3Vault struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
}

// NewS3Vault wraps an S3 client.
func NewS3Vault(client S3Client, bucket, prefix string) *S3Vault {
	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		timeout:  defaultS3Timeout,
	}
}

// NewS3VaultFromConfig loads AWS configuration and builds the vault. Static
// credentials and a custom endpoint are used when configured.
func NewS3VaultFromConfig(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Vault(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func (v *S3Vault) mediaKey(name string) string {
	return path.Join(v.prefix, "media", name)
}

func (v *S3Vault) snapshotKey(accountID, name string) string {
	return path.Join(v.prefix, "snapshots", accountID, name)
}

func (v *S3Vault) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), v.timeout)
}

// countingReader counts the bytes handed to the uploader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (v *S3Vault) put(key string, r io.Reader, size int64, metadata map[string]string) error {
	ctx, cancel := v.context()
	defer cancel()

	body := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if body.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, body.n)
	}
	return nil
}

func (v *S3Vault) get(key string, w io.Writer, notFoundMsg string) error {
	ctx, cancel := v.context()
	defer cancel()

	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// head returns nil metadata and no error when the object does not exist.
func (v *S3Vault) head(key string) (map[string]string, bool, error) {
	ctx, cancel := v.context()
	defer cancel()

	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("checking %s: %w", key, err)
	}
	return out.Metadata, true, nil
}

func (v *S3Vault) PutMedia(name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	return v.put(v.mediaKey(name), r, size, nil)
}

func (v *S3Vault) GetMedia(name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	return v.get(v.mediaKey(name), w, fmt.Sprintf("media not found: %s", name))
}

func (v *S3Vault) HasMedia(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, ok, err := v.head(v.mediaKey(name))
	return ok, err
}

func (v *S3Vault) PutSnapshot(accountID, name string, r io.Reader, size int64, version int64) error {
	if err := validateName(accountID); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	meta := map[string]string{versionMetadataKey: strconv.FormatInt(version, 10)}
	return v.put(v.snapshotKey(accountID, name), r, size, meta)
}

func (v *S3Vault) GetSnapshot(accountID, name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	return v.get(v.snapshotKey(accountID, name), w, fmt.Sprintf("snapshot %q not found for account: %s", name, accountID))
}

// GetSnapshotVersion returns 0 when the snapshot does not exist.
func (v *S3Vault) GetSnapshotVersion(accountID, name string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	meta, ok, err := v.head(v.snapshotKey(accountID, name))
	if err != nil || !ok {
		return 0, err
	}
	raw, ok := meta[versionMetadataKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup() error {
	ctx, cancel := v.context()
	defer cancel()

	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

var _ backup.Vault = (*S3Vault)(nil)
