package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// BlobsPath is the API path of the blob collection.
const BlobsPath = "/api/v1/blobs"

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	BaseURL      string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	MaxBlobSize  int64
}

// ErrorBody is the JSON error document returned by the blob API.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPStore talks to a remote blob API. Transport errors are retried a
// bounded number of times; HTTP error responses are not.
type HTTPStore struct {
	baseURL     string
	client      *retryablehttp.Client
	maxBlobSize int64
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// NewHTTPStore creates a client for the blob API at cfg.BaseURL.
func NewHTTPStore(cfg HTTPConfig, logger *logrus.Logger, m *metrics.Metrics) (*HTTPStore, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("http store: invalid base URL %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.CheckRetry = transportErrorsOnly
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{logger}

	return &HTTPStore{
		baseURL:     strings.TrimRight(base.String(), "/"),
		client:      client,
		maxBlobSize: cfg.MaxBlobSize,
		logger:      logger,
		metrics:     m,
	}, nil
}

// transportErrorsOnly retries only when no response was received.
func transportErrorsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Put uploads ciphertext with the metadata in the X-Encryption-Metadata header.
func (s *HTTPStore) Put(ctx context.Context, ciphertext []byte, metadata codec.WireMetadata) (PutResult, error) {
	start := time.Now()
	header, err := metadata.Marshal()
	if err != nil {
		return PutResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+BlobsPath, ciphertext)
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", ciphertextMIMEType)
	req.Header.Set(codec.MetadataHeader, string(header))

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.RecordBlobError("put", BackendHTTP, "transport")
		return PutResult{}, fmt.Errorf("failed to upload blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		err := decodeErrorResponse(resp)
		s.metrics.RecordBlobError("put", BackendHTTP, errorCode(resp.StatusCode))
		return PutResult{}, fmt.Errorf("failed to upload blob: %w", err)
	}

	var result PutResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return PutResult{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if err := ValidateID(result.ID); err != nil {
		return PutResult{}, fmt.Errorf("upload response: %w", err)
	}

	s.metrics.RecordBlobOperation("put", BackendHTTP, time.Since(start), int64(len(ciphertext)))
	return result, nil
}

// Get downloads the blob and parses its metadata header.
func (s *HTTPStore) Get(ctx context.Context, id string) (*Object, error) {
	start := time.Now()
	resp, err := s.fetch(ctx, id, "")
	if err != nil {
		s.metrics.RecordBlobError("get", BackendHTTP, "transport")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := decodeErrorResponse(resp)
		s.metrics.RecordBlobError("get", BackendHTTP, errorCode(resp.StatusCode))
		return nil, fmt.Errorf("failed to download blob %s: %w", id, err)
	}

	metadata, err := codec.UnmarshalWireMetadata([]byte(resp.Header.Get(codec.MetadataHeader)))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, err)
	}

	reader := io.Reader(resp.Body)
	if s.maxBlobSize > 0 {
		reader = io.LimitReader(resp.Body, s.maxBlobSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		s.metrics.RecordBlobError("get", BackendHTTP, "read")
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	if s.maxBlobSize > 0 && int64(len(body)) > s.maxBlobSize {
		return nil, fmt.Errorf("%w: blob %s", ErrTooLarge, id)
	}

	s.metrics.RecordBlobOperation("get", BackendHTTP, time.Since(start), int64(len(body)))
	return &Object{ID: id, Ciphertext: body, Metadata: metadata}, nil
}

// Stat fetches only the metadata document.
func (s *HTTPStore) Stat(ctx context.Context, id string) (codec.WireMetadata, error) {
	resp, err := s.fetch(ctx, id, "/metadata")
	if err != nil {
		s.metrics.RecordBlobError("stat", BackendHTTP, "transport")
		return codec.WireMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.metrics.RecordBlobError("stat", BackendHTTP, errorCode(resp.StatusCode))
		return codec.WireMetadata{}, fmt.Errorf("failed to stat blob %s: %w", id, decodeErrorResponse(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return codec.WireMetadata{}, fmt.Errorf("failed to read metadata for blob %s: %w", id, err)
	}
	return codec.UnmarshalWireMetadata(data)
}

func (s *HTTPStore) fetch(ctx context.Context, id, suffix string) (*http.Response, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrNotFound, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+BlobsPath+"/"+url.PathEscape(id)+suffix, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", id, err)
	}
	return resp, nil
}

// decodeErrorResponse maps an API error response onto the store errors.
func decodeErrorResponse(resp *http.Response) error {
	var body ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	_ = json.Unmarshal(data, &body)
	msg := body.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", zkerr.ErrNotFound, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrTooLarge, msg)
	case http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %s", ErrStoreFull, msg)
	case http.StatusBadRequest:
		if body.Error.Code == "MalformedMetadata" {
			return fmt.Errorf("%w: %s", zkerr.ErrMalformedEncoding, msg)
		}
	}
	return fmt.Errorf("blob API returned %d: %s", resp.StatusCode, msg)
}

func errorCode(status int) string {
	if status == http.StatusNotFound || status == http.StatusGone {
		return "not_found"
	}
	return fmt.Sprintf("http_%d", status)
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger *logrus.Logger
}

func (l leveledLogger) fields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{"component": "blobstore.http"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Warn(msg)
}
