package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an encryption operation.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decryption operation.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeUpload represents a completed or failed upload session.
	EventTypeUpload EventType = "upload"
	// EventTypeDownload represents a completed or failed download session.
	EventTypeDownload EventType = "download"
	// EventTypeBlobPut represents a blob stored through the API.
	EventTypeBlobPut EventType = "blob_put"
	// EventTypeBlobGet represents a blob read through the API.
	EventTypeBlobGet EventType = "blob_get"
)

// AuditEvent represents a single audit log event. It never carries key
// material, passwords or share link fragments.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	BlobID    string                 `json:"blob_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	KeyMode   string                 `json:"key_mode,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an encryption operation.
	LogEncrypt(blobID, algorithm, keyMode string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs a decryption operation.
	LogDecrypt(blobID, algorithm, keyMode string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogTransfer logs the outcome of an upload or download session.
	LogTransfer(eventType EventType, blobID string, success bool, err error, duration time.Duration)

	// LogAccess logs a blob API access.
	LogAccess(eventType EventType, blobID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Metadata = sanitize(event.Metadata)
	event.Error = stripFragments(event.Error)

	l.mu.Lock()
	defer l.mu.Unlock()

	var werr error
	if l.writer != nil {
		werr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return werr
}

func (l *auditLogger) logOperation(eventType EventType, blobID, algorithm, keyMode string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		BlobID:    blobID,
		Algorithm: algorithm,
		KeyMode:   keyMode,
		Success:   success,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogEncrypt logs an encryption operation.
func (l *auditLogger) LogEncrypt(blobID, algorithm, keyMode string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logOperation(EventTypeEncrypt, blobID, algorithm, keyMode, success, err, duration, metadata)
}

// LogDecrypt logs a decryption operation.
func (l *auditLogger) LogDecrypt(blobID, algorithm, keyMode string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logOperation(EventTypeDecrypt, blobID, algorithm, keyMode, success, err, duration, metadata)
}

// LogTransfer logs the outcome of an upload or download session.
func (l *auditLogger) LogTransfer(eventType EventType, blobID string, success bool, err error, duration time.Duration) {
	l.logOperation(eventType, blobID, "", "", success, err, duration, nil)
}

// LogAccess logs a blob API access.
func (l *auditLogger) LogAccess(eventType EventType, blobID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		BlobID:    blobID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// sensitiveKeys are metadata keys dropped from every event.
var sensitiveKeys = []string{"key", "password", "secret", "fragment", "share_url"}

func sanitize(metadata map[string]interface{}) map[string]interface{} {
	if len(metadata) == 0 {
		return metadata
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if isSensitive(k) {
			continue
		}
		if s, ok := v.(string); ok {
			v = stripFragments(s)
		}
		out[k] = v
	}
	return out
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveKeys {
		if lower == s || strings.HasSuffix(lower, "_"+s) {
			return true
		}
	}
	return false
}

// stripFragments cuts everything after a '#' in each whitespace separated
// word, so a share link that leaks into an error string loses its key.
func stripFragments(s string) string {
	if !strings.Contains(s, "#") {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		if idx := strings.IndexByte(w, '#'); idx >= 0 {
			words[i] = w[:idx] + "#[redacted]"
		}
	}
	return strings.Join(words, " ")
}

// jsonWriter writes one JSON document per event.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter writes events as JSON lines to w.
func NewJSONWriter(w io.Writer) EventWriter {
	return &jsonWriter{out: w}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// logrusWriter forwards events to a logrus logger.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter writes events through logger at info level.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.BlobID != "" {
		fields["blob_id"] = event.BlobID
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.KeyMode != "" {
		fields["key_mode"] = event.KeyMode
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}
	w.logger.WithFields(fields).Info("Audit event")
	return nil
}
