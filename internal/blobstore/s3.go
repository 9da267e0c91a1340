package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/zkerr"
)

const (
	expiresAtKey       = "expires-at"
	ciphertextMIMEType = "application/octet-stream"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	TTL           time.Duration
	MaxBlobSize   int64
	PublicBaseURL string
}

// s3API is the subset of the S3 client used by the store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blobs as objects in an S3-compatible bucket. Metadata is
// stored as S3 user metadata.
type S3Store struct {
	client  s3API
	cfg     S3Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewS3Store creates a store backed by the configured bucket.
func NewS3Store(ctx context.Context, cfg S3Config, logger *logrus.Logger, m *metrics.Metrics) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Store(client, cfg, logger, m), nil
}

func newS3Store(client s3API, cfg S3Config, logger *logrus.Logger, m *metrics.Metrics) *S3Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &S3Store{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (s *S3Store) objectKey(id string) string {
	return s.cfg.Prefix + id
}

// Put uploads ciphertext as a new object.
func (s *S3Store) Put(ctx context.Context, ciphertext []byte, metadata codec.WireMetadata) (PutResult, error) {
	start := time.Now()
	if err := metadata.Validate(); err != nil {
		s.metrics.RecordBlobError("put", BackendS3, "invalid_metadata")
		return PutResult{}, err
	}
	if s.cfg.MaxBlobSize > 0 && int64(len(ciphertext)) > s.cfg.MaxBlobSize {
		s.metrics.RecordBlobError("put", BackendS3, "too_large")
		return PutResult{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(ciphertext), s.cfg.MaxBlobSize)
	}

	id := NewID()
	url, err := downloadURL(s.cfg.PublicBaseURL, id)
	if err != nil {
		return PutResult{}, err
	}

	expiresAt := expiry(s.now(), s.cfg.TTL)
	userMeta := metadata.ToStringMap()
	if !expiresAt.IsZero() {
		userMeta[expiresAtKey] = strconv.FormatInt(expiresAt.Unix(), 10)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.objectKey(id)),
		Body:          bytes.NewReader(ciphertext),
		ContentLength: aws.Int64(int64(len(ciphertext))),
		ContentType:   aws.String(ciphertextMIMEType),
		Metadata:      userMeta,
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.metrics.RecordBlobError("put", BackendS3, errorType(err))
		return PutResult{}, fmt.Errorf("failed to put blob %s: %w", id, translateS3Error(err))
	}

	s.metrics.RecordBlobOperation("put", BackendS3, time.Since(start), int64(len(ciphertext)))
	s.logger.WithFields(logrus.Fields{
		"blob_id": id,
		"bucket":  s.cfg.Bucket,
		"bytes":   len(ciphertext),
	}).Debug("Stored blob")

	return PutResult{ID: id, DownloadURL: url, ExpiresAt: expiresAt}, nil
}

// Get downloads the object and its metadata.
func (s *S3Store) Get(ctx context.Context, id string) (*Object, error) {
	start := time.Now()
	if err := ValidateID(id); err != nil {
		s.metrics.RecordBlobError("get", BackendS3, "invalid_id")
		return nil, fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		s.metrics.RecordBlobError("get", BackendS3, errorType(err))
		return nil, fmt.Errorf("failed to get blob %s: %w", id, translateS3Error(err))
	}
	defer result.Body.Close()

	metadata, expiresAt, err := s.decodeMetadata(id, result.Metadata)
	if err != nil {
		s.metrics.RecordBlobError("get", BackendS3, errorType(err))
		return nil, err
	}

	reader := io.Reader(result.Body)
	if s.cfg.MaxBlobSize > 0 {
		reader = io.LimitReader(result.Body, s.cfg.MaxBlobSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		s.metrics.RecordBlobError("get", BackendS3, "read")
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	if s.cfg.MaxBlobSize > 0 && int64(len(body)) > s.cfg.MaxBlobSize {
		s.metrics.RecordBlobError("get", BackendS3, "too_large")
		return nil, fmt.Errorf("%w: blob %s", ErrTooLarge, id)
	}

	s.metrics.RecordBlobOperation("get", BackendS3, time.Since(start), int64(len(body)))
	return &Object{ID: id, Ciphertext: body, Metadata: metadata, ExpiresAt: expiresAt}, nil
}

// Stat reads only the object metadata.
func (s *S3Store) Stat(ctx context.Context, id string) (codec.WireMetadata, error) {
	start := time.Now()
	if err := ValidateID(id); err != nil {
		s.metrics.RecordBlobError("stat", BackendS3, "invalid_id")
		return codec.WireMetadata{}, fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		s.metrics.RecordBlobError("stat", BackendS3, errorType(err))
		return codec.WireMetadata{}, fmt.Errorf("failed to head blob %s: %w", id, translateS3Error(err))
	}

	metadata, _, err := s.decodeMetadata(id, result.Metadata)
	if err != nil {
		s.metrics.RecordBlobError("stat", BackendS3, errorType(err))
		return codec.WireMetadata{}, err
	}
	s.metrics.RecordBlobOperation("stat", BackendS3, time.Since(start), 0)
	return metadata, nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, translateS3Error(err))
	}
	return nil
}

// decodeMetadata parses user metadata and treats expired objects as
// missing. Bucket lifecycle rules do the actual deletion.
func (s *S3Store) decodeMetadata(id string, userMeta map[string]string) (codec.WireMetadata, time.Time, error) {
	var expiresAt time.Time
	for k, v := range userMeta {
		if !strings.EqualFold(k, expiresAtKey) {
			continue
		}
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return codec.WireMetadata{}, time.Time{}, fmt.Errorf("blob %s: %w: expires-at %q", id, zkerr.ErrMalformedEncoding, v)
		}
		expiresAt = time.Unix(unix, 0)
	}
	if !expiresAt.IsZero() && s.now().After(expiresAt) {
		return codec.WireMetadata{}, time.Time{}, fmt.Errorf("blob %s expired: %w", id, zkerr.ErrNotFound)
	}

	metadata, err := codec.WireMetadataFromStringMap(userMeta)
	if err != nil {
		return codec.WireMetadata{}, time.Time{}, fmt.Errorf("blob %s: %w", id, err)
	}
	return metadata, expiresAt, nil
}

// translateS3Error maps missing-object errors onto zkerr.ErrNotFound.
func translateS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
		}
	}
	return err
}

func errorType(err error) string {
	if errors.Is(translateS3Error(err), zkerr.ErrNotFound) {
		return "not_found"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if kind := zkerr.KindOf(err); kind != zkerr.KindUnknown {
		return string(kind)
	}
	return "backend"
}
