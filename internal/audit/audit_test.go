package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func newTestLogger(maxEvents int) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(maxEvents, NewJSONWriter(&buf)), &buf
}

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger, buf := newTestLogger(100)

	logger.LogEncrypt("blob-1", "AES-GCM", "generated", true, nil, 100*time.Millisecond, nil)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.BlobID != "blob-1" {
		t.Fatalf("expected blob id blob-1, got %s", event.BlobID)
	}
	if event.KeyMode != "generated" {
		t.Fatalf("expected key mode generated, got %s", event.KeyMode)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}

	var decoded AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("writer output is not JSON: %v", err)
	}
	if decoded.Algorithm != "AES-GCM" {
		t.Fatalf("expected algorithm AES-GCM, got %s", decoded.Algorithm)
	}
}

func TestAuditLogger_LogDecryptFailure(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogDecrypt("blob-2", "ChaCha20-Poly1305", "password", false, errors.New("authentication failure"), 50*time.Millisecond, nil)

	event := logger.Events()[0]
	if event.EventType != EventTypeDecrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeDecrypt, event.EventType)
	}
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "authentication failure" {
		t.Fatalf("unexpected error %q", event.Error)
	}
}

func TestAuditLogger_LogAccess(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogAccess(EventTypeBlobGet, "blob-3", "192.168.1.1", "curl/8", "req-123", true, nil, 10*time.Millisecond)

	event := logger.Events()[0]
	if event.ClientIP != "192.168.1.1" || event.RequestID != "req-123" || event.Operation != "blob_get" {
		t.Fatalf("unexpected access event: %+v", event)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger, _ := newTestLogger(5)

	for i := 0; i < 10; i++ {
		logger.LogTransfer(EventTypeUpload, "blob", true, nil, time.Millisecond)
	}

	if n := len(logger.Events()); n != 5 {
		t.Fatalf("expected 5 events (max), got %d", n)
	}
}

func TestAuditLogger_RedactsSecrets(t *testing.T) {
	logger, buf := newTestLogger(10)

	link := "https://share.example.com/s/abc#c2VjcmV0LWtleS1ieXRlcw"
	logger.LogEncrypt("abc", "AES-GCM", "generated", false,
		errors.New("upload of "+link+" failed"), time.Millisecond,
		map[string]interface{}{
			"key":       "raw-key",
			"password":  "correct-horse",
			"share_url": link,
			"note":      link,
			"size":      42,
		})

	out := buf.String()
	for _, secret := range []string{"raw-key", "correct-horse", "c2VjcmV0LWtleS1ieXRlcw"} {
		if strings.Contains(out, secret) {
			t.Fatalf("audit output leaked %q: %s", secret, out)
		}
	}

	event := logger.Events()[0]
	if _, ok := event.Metadata["key"]; ok {
		t.Fatal("key metadata not dropped")
	}
	if event.Metadata["note"] != "https://share.example.com/s/abc#[redacted]" {
		t.Fatalf("fragment not stripped: %v", event.Metadata["note"])
	}
	if event.Metadata["size"] != 42 {
		t.Fatalf("non-sensitive metadata dropped: %v", event.Metadata)
	}
}

func TestLogrusWriter(t *testing.T) {
	l, hook := logtest.NewNullLogger()
	logger := NewLogger(10, NewLogrusWriter(l))

	logger.LogTransfer(EventTypeDownload, "blob-9", true, nil, 2*time.Second)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Data["event_type"] != EventTypeDownload || entry.Data["blob_id"] != "blob-9" {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}
	if entry.Data["duration_ms"] != int64(2000) {
		t.Fatalf("unexpected duration: %v", entry.Data["duration_ms"])
	}
}
