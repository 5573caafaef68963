package source

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/url"
	"path"

	"github.com/OFFIS-RIT/docgraph/pkg/common"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client the source needs.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads the objects below a prefix of a bucket.
type S3 struct {
	client S3API
	bucket string
	prefix string
	exts   []string
}

// NewS3ClientParams configures an S3 client for S3 compatible storage.
type NewS3ClientParams struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path style client with static credentials.
func NewS3Client(ctx context.Context, params NewS3ClientParams) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	if params.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

func NewS3(client S3API, bucket, prefix string, extensions ...string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, exts: normaliseExtensions(extensions)}
}

func (s *S3) Documents(ctx context.Context) (iter.Seq2[common.Document, error], error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if matches(key, s.exts) {
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w in s3://%s/%s", ErrSourceEmpty, s.bucket, s.prefix)
	}

	return func(yield func(common.Document, error) bool) {
		for _, key := range keys {
			if ctx.Err() != nil {
				yield(common.Document{}, ctx.Err())
				return
			}
			doc, err := s.read(ctx, key)
			if !yield(doc, err) {
				return
			}
		}
	}, nil
}

func (s *S3) read(ctx context.Context, key string) (common.Document, error) {
	location := "s3://" + s.bucket + "/" + key
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return common.Document{}, &ReadError{Path: location, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return common.Document{}, &ReadError{Path: location, Err: err}
	}
	text, err := render(key, aws.ToString(out.ContentType), data, &url.URL{Scheme: "s3", Host: s.bucket, Path: "/" + key})
	if err != nil {
		return common.Document{}, &ReadError{Path: location, Err: err}
	}
	return common.Document{
		Filename: path.Base(key),
		Content:  text,
		Metadata: common.Properties{
			"source": common.String("s3"),
			"path":   common.String(location),
			"size":   common.Number(float64(len(data))),
		},
	}, nil
}
