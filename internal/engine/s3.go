package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

const defaultS3Region = "us-east-1"

// S3Backend transfers s3://bucket/key URLs.
type S3Backend struct {
	client *s3.Client
}

// NewS3Backend builds an S3 client sharing httpClient's connection pool.
// Static keys from cfg take precedence over the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg config.S3Config, httpClient *http.Client) (*S3Backend, error) {
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client}, nil
}

func (b *S3Backend) Open(ctx context.Context, task Task, offset int64) (*Object, error) {
	bucket, key, err := splitContainerURL(task.URL)
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		if offset > 0 && s3Status(err) == http.StatusRequestedRangeNotSatisfiable {
			return &Object{Body: http.NoBody, Offset: offset, Size: offset}, nil
		}
		return nil, classifyS3Error(err, task.URL)
	}

	if offset > 0 && out.ContentRange != nil {
		start, size, ok := parseContentRange(*out.ContentRange)
		if ok && start == offset {
			return &Object{Body: out.Body, Offset: offset, Size: size}, nil
		}
	}
	size := transfer.UnknownSize
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Object{Body: out.Body, Offset: 0, Size: size}, nil
}

func (b *S3Backend) Put(ctx context.Context, task Task, body io.ReadSeeker, size int64) (string, error) {
	bucket, key, err := splitContainerURL(task.URL)
	if err != nil {
		return "", err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", transfer.NewError(transfer.CodeFile, false, err, "cannot rewind %s", task.LocalPath)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if ct, ok := task.Headers["Content-Type"]; ok {
		in.ContentType = aws.String(ct)
	}

	out, err := b.client.PutObject(ctx, in)
	if err != nil {
		return "", classifyS3Error(err, task.URL)
	}
	return aws.ToString(out.ETag), nil
}

func s3Status(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func classifyS3Error(err error, url string) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		e := transfer.HTTPStatusError(http.StatusNotFound, url)
		e.Err = err
		return e
	}
	if status := s3Status(err); status != 0 {
		e := transfer.HTTPStatusError(status, url)
		e.Err = err
		return e
	}
	return err
}
