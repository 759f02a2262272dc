package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/me/queuegate/pkg/model"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures OpenS3Store.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // e.g. https://storage.googleapis.com for a GCS bucket
	// PathStyle forces path-style addressing; implied by a custom Endpoint.
	PathStyle bool

	// Static credentials (for example GCS HMAC keys). When empty the
	// default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store implements Store on an S3-compatible bucket: one JSON object per
// queue, with the object ETag as the revision and If-Match / If-None-Match
// for conditional writes.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store wraps an existing client.
func NewS3Store(client S3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("component", "store", "backend", "s3", "bucket", bucket),
	}
}

// OpenS3Store builds an S3 client from opts and the ambient AWS config.
func OpenS3Store(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.PathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, opts.Bucket, opts.Prefix, logger), nil
}

func (s *S3Store) objectKey(name string) string {
	return path.Join(s.prefix, name+".json")
}

func (s *S3Store) Load(ctx context.Context, name string) (*model.QueueDocument, error) {
	key := s.objectKey(name)
	s.logger.Debug("s3", "op", "get", "key", key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}

	var doc model.QueueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal queue %s: %w", name, err)
	}
	doc.Revision = aws.ToString(out.ETag)
	return &doc, nil
}

func (s *S3Store) Save(ctx context.Context, name string, doc *model.QueueDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", name, err)
	}
	key := s.objectKey(name)

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if doc.Revision == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(doc.Revision)
	}

	s.logger.Debug("s3", "op", "put", "key", key, "if_match", doc.Revision)
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if isS3PreconditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	doc.Revision = aws.ToString(out.ETag)
	return nil
}

// ListQueues lists queue objects under the prefix.
func (s *S3Store) ListQueues(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var names []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, listPrefix, err)
		}
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if strings.Contains(key, "/") || !strings.HasSuffix(key, ".json") {
				continue
			}
			names = append(names, strings.TrimSuffix(key, ".json"))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; the S3 client holds no connections that need closing.
func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
