package storage

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bitswalk/grubimage/src/common/errors"
)

// defaultRegion is used when the mirror configuration names none. Most
// S3-compatible stores ignore the region but the request signer needs one.
const defaultRegion = "us-east-1"

// S3Config configures an S3 (or S3-compatible) mirror bucket
type S3Config struct {
	// Endpoint overrides the AWS endpoint, e.g. "http://minio:9000"
	Endpoint string
	Region   string
	Bucket   string
	// Prefix places the mirror below a key prefix inside the bucket
	Prefix string
	// AccessKey and SecretKey sign requests; without them the bucket is
	// read anonymously, which suits public read-only mirrors
	AccessKey string
	SecretKey string
	// PathStyle addresses the bucket as <endpoint>/<bucket>, which most
	// self-hosted stores require
	PathStyle bool
}

// S3Backend keeps the mirror in an S3 bucket
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
	loc    string
}

// NewS3 creates an S3 mirror backend. No request is made until first use.
func NewS3(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.ErrStorageOperation.WithMessage("s3 mirror requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	client := s3.NewFromConfig(aws.Config{Region: region, Credentials: creds}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	loc := "s3://" + cfg.Bucket
	if cfg.Endpoint != "" {
		loc = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	prefix := cleanKey(cfg.Prefix)
	if prefix != "" {
		loc += "/" + prefix
		prefix += "/"
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: prefix, loc: loc}, nil
}

// objectKey maps a mirror key to the bucket key
func (b *S3Backend) objectKey(key string) *string {
	return aws.String(b.prefix + cleanKey(key))
}

// Put uploads the object in a single request
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           b.objectKey(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return failed("put", key, err)
	}
	return nil
}

// Get streams the object body
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.objectKey(key),
	})
	if err != nil {
		if isMissing(err) {
			return nil, notFound(key)
		}
		return nil, failed("get", key, err)
	}
	return out.Body, nil
}

// Stat issues a HEAD request for the object
func (b *S3Backend) Stat(ctx context.Context, key string) (Object, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.objectKey(key),
	})
	if err != nil {
		if isMissing(err) {
			return Object{}, notFound(key)
		}
		return Object{}, failed("stat", key, err)
	}
	return Object{
		Key:      cleanKey(key),
		Size:     aws.ToInt64(out.ContentLength),
		Modified: aws.ToTime(out.LastModified),
	}, nil
}

// Remove deletes the object; S3 reports success for missing keys too
func (b *S3Backend) Remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    b.objectKey(key),
	})
	if err != nil && !isMissing(err) {
		return failed("remove", key, err)
	}
	return nil
}

// List pages through the bucket listing below prefix
func (b *S3Backend) List(ctx context.Context, prefix string) ([]Object, error) {
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix + prefix),
	})

	var objects []Object
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, failed("list", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:      strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Check issues a HEAD request for the bucket
func (b *S3Backend) Check(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return errors.ErrStorageOperation.WithMessagef("bucket %s is not reachable", b.bucket).WithCause(err)
	}
	return nil
}

// Location returns the endpoint, bucket and prefix
func (b *S3Backend) Location() string {
	return b.loc
}

func isMissing(err error) bool {
	var noKey *types.NoSuchKey
	var noObject *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &noObject)
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
