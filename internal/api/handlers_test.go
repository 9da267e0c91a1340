package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/zkerr"
)

const testBaseURL = "https://share.example.com"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testMetadata() codec.WireMetadata {
	return codec.WireMetadata{
		Algorithm:       "AES-GCM",
		IV:              codec.EncodeBase64(make([]byte, 12)),
		Salt:            codec.EncodeBase64(make([]byte, 32)),
		UploadTimestamp: 1700000000000,
		OriginalSize:    5,
	}
}

func metadataHeader(t *testing.T, m codec.WireMetadata) string {
	t.Helper()
	data, err := m.Marshal()
	require.NoError(t, err)
	return string(data)
}

type testServer struct {
	handler *Handler
	router  *mux.Router
	store   *blobstore.MemoryStore
	audit   audit.Logger
}

func newTestServer(t *testing.T, cfg blobstore.MemoryConfig, maxBlobSize int64) *testServer {
	t.Helper()
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = testBaseURL
	}
	store := blobstore.NewMemoryStore(cfg, quietLogger(), nil)
	auditLogger := audit.NewLogger(100, audit.NewJSONWriter(io.Discard))
	h := NewHandler(store, quietLogger(), auditLogger, maxBlobSize)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return &testServer{handler: h, router: r, store: store, audit: auditLogger}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) put(t *testing.T, body []byte) blobstore.PutResult {
	t.Helper()
	req := httptest.NewRequest("PUT", blobstore.BlobsPath, bytes.NewReader(body))
	req.Header.Set(codec.MetadataHeader, metadataHeader(t, testMetadata()))
	w := s.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result blobstore.PutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	return result
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) blobstore.ErrorBody {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body blobstore.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 0)

	for _, path := range []string{"/health", "/ready", "/live"} {
		w := s.do(httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	s.handler.SetReady(false)
	w := s.do(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = s.do(httptest.NewRequest("GET", "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_PutGetBlob(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{TTL: time.Hour}, 0)
	ciphertext := bytes.Repeat([]byte{0xAB}, 64)

	result := s.put(t, ciphertext)
	require.NoError(t, blobstore.ValidateID(result.ID))
	assert.Equal(t, testBaseURL+"/s/"+result.ID, result.DownloadURL)
	assert.False(t, result.ExpiresAt.IsZero())

	w := s.do(httptest.NewRequest("GET", blobstore.BlobsPath+"/"+result.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ciphertext, w.Body.Bytes())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Expires"))

	meta, err := codec.UnmarshalWireMetadata([]byte(w.Header().Get(codec.MetadataHeader)))
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), meta)

	events := s.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeBlobPut, events[0].EventType)
	assert.Equal(t, audit.EventTypeBlobGet, events[1].EventType)
	assert.True(t, events[1].Success)
	assert.Equal(t, result.ID, events[1].BlobID)
}

func TestHandler_HeadBlob(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 0)
	result := s.put(t, bytes.Repeat([]byte{1}, 32))

	w := s.do(httptest.NewRequest("HEAD", blobstore.BlobsPath+"/"+result.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "32", w.Header().Get("Content-Length"))
	assert.NotEmpty(t, w.Header().Get(codec.MetadataHeader))
	assert.Empty(t, w.Body.Bytes())
}

func TestHandler_GetMetadata(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 0)
	result := s.put(t, bytes.Repeat([]byte{1}, 32))

	w := s.do(httptest.NewRequest("GET", blobstore.BlobsPath+"/"+result.ID+"/metadata", nil))
	require.Equal(t, http.StatusOK, w.Code)

	meta, err := codec.UnmarshalWireMetadata(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "AES-GCM", meta.Algorithm)
}

func TestHandler_NotFound(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 0)

	tests := []string{
		blobstore.BlobsPath + "/doesnotexist",
		blobstore.BlobsPath + "/doesnotexist/metadata",
		blobstore.BlobsPath + "/bad.id",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			w := s.do(httptest.NewRequest("GET", path, nil))
			require.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "NoSuchBlob", decodeError(t, w).Error.Code)
		})
	}
}

func TestHandler_ExpiredBlobIsNotFound(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{TTL: 20 * time.Millisecond}, 0)
	result := s.put(t, bytes.Repeat([]byte{1}, 32))

	require.Eventually(t, func() bool {
		w := s.do(httptest.NewRequest("GET", blobstore.BlobsPath+"/"+result.ID, nil))
		return w.Code == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_PutRejections(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{MaxItems: 1}, 128)
	valid := metadataHeader(t, testMetadata())

	tests := []struct {
		name   string
		header string
		body   []byte
		status int
		code   string
	}{
		{"missing metadata", "", bytes.Repeat([]byte{1}, 32), http.StatusBadRequest, "MissingMetadata"},
		{"metadata not json", "{not json", bytes.Repeat([]byte{1}, 32), http.StatusBadRequest, "MalformedMetadata"},
		{"metadata bad iv", `{"algorithm":"AES-GCM","iv":"%%%","salt":"","iterations":0,"uploadTimestamp":1}`, bytes.Repeat([]byte{1}, 32), http.StatusBadRequest, "MalformedMetadata"},
		{"body shorter than a tag", valid, []byte{1, 2, 3}, http.StatusBadRequest, "InvalidRequest"},
		{"body too large", valid, bytes.Repeat([]byte{1}, 129), http.StatusRequestEntityTooLarge, "BlobTooLarge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PUT", blobstore.BlobsPath, bytes.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(codec.MetadataHeader, tt.header)
			}
			w := s.do(req)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w).Error.Code)
		})
	}
}

func TestHandler_PutStoreFull(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{MaxItems: 1}, 0)
	s.put(t, bytes.Repeat([]byte{1}, 32))

	req := httptest.NewRequest("PUT", blobstore.BlobsPath, bytes.NewReader(bytes.Repeat([]byte{2}, 32)))
	req.Header.Set(codec.MetadataHeader, metadataHeader(t, testMetadata()))
	w := s.do(req)

	require.Equal(t, http.StatusInsufficientStorage, w.Code)
	assert.Equal(t, "StoreFull", decodeError(t, w).Error.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 0)

	w := s.do(httptest.NewRequest("DELETE", blobstore.BlobsPath+"/abc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "MethodNotAllowed", decodeError(t, w).Error.Code)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{zkerr.ErrNotFound, http.StatusNotFound},
		{blobstore.ErrInvalidID, http.StatusNotFound},
		{blobstore.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{blobstore.ErrStoreFull, http.StatusInsufficientStorage},
		{zkerr.ErrMalformedEncoding, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			apiErr := TranslateError(tt.err)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.NotContains(t, apiErr.Message, tt.err.Error())
		})
	}
	assert.Nil(t, TranslateError(nil))
}

// The HTTP store client and the handler must agree on the wire contract.
func TestHTTPStoreAgainstHandler(t *testing.T) {
	s := newTestServer(t, blobstore.MemoryConfig{}, 1024)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	client, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{BaseURL: srv.URL, RetryMax: 1}, quietLogger(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	ciphertext := bytes.Repeat([]byte{0x5A}, 100)
	result, err := client.Put(ctx, ciphertext, testMetadata())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.DownloadURL, testBaseURL+"/s/"))

	obj, err := client.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, obj.Ciphertext)
	assert.Equal(t, testMetadata(), obj.Metadata)

	meta, err := client.Stat(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), meta)

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, zkerr.ErrNotFound)

	_, err = client.Put(ctx, bytes.Repeat([]byte{1}, 2048), testMetadata())
	assert.ErrorIs(t, err, blobstore.ErrTooLarge)
}
