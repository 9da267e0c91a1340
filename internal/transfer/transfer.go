// Package transfer sequences the key manager, the crypto workers and the blob
// store into upload and download sessions.
//
// An upload moves Selected → Validating → Encrypting → Uploading and ends
// Completed or Failed. A download moves Fetching → Decrypting and ends Ready,
// AuthenticationFailed or Failed. Sessions never retry on their own; Retry is
// a deliberate caller action that restarts at Encrypting or Decrypting, so a
// finished network step is never repeated with stale key material.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/offload"
	"github.com/kenneth/zk-share/internal/zkerr"
)

const tracerName = "github.com/kenneth/zk-share/internal/transfer"

// ErrInvalidTransition is returned when a session method is called in a
// state that does not allow it.
var ErrInvalidTransition = errors.New("invalid session transition")

// Cipher runs crypto jobs. *offload.Runner implements it.
type Cipher interface {
	Encrypt(ctx context.Context, job offload.EncryptJob) (*crypto.EncryptedPackage, error)
	Decrypt(ctx context.Context, job offload.DecryptJob) (*crypto.DecryptedMaterial, error)
}

// Direction tells uploads and downloads apart in events and metrics.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Event reports a state transition. Err is set when To is a failure state.
type Event struct {
	Direction Direction
	From      string
	To        string
	Err       error
}

// Observer receives transition events on the goroutine that drives the
// session. It must not call back into the session.
type Observer func(Event)

// Options configures a Client.
type Options struct {
	Store  blobstore.Store
	Cipher Cipher
	// KeyManager issues key schedules and enforces the password policy.
	KeyManager *crypto.KeyManager
	// PublicBaseURL builds share links. When empty, the store's download
	// URL is used if it is a /s/{id} link for the stored blob.
	PublicBaseURL string
	// MaxFileSize rejects larger files during validation. Zero disables it.
	MaxFileSize int64
	// DerivePasswordBeforeDispatch derives password keys on the calling
	// goroutine so only the derived key reaches the workers. Otherwise the
	// password itself is handed to the worker.
	DerivePasswordBeforeDispatch bool

	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Audit    audit.Logger
	Observer Observer
}

// Client creates upload and download sessions.
type Client struct {
	store         blobstore.Store
	cipher        Cipher
	keys          *crypto.KeyManager
	publicBaseURL string
	maxFileSize   int64
	deriveFirst   bool

	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
	observer Observer
	tracer   trace.Tracer
}

// NewClient creates a client.
func NewClient(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("transfer: store is required")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("transfer: cipher is required")
	}
	if opts.MaxFileSize < 0 {
		return nil, fmt.Errorf("transfer: max file size must not be negative")
	}
	keys := opts.KeyManager
	if keys == nil {
		keys = crypto.NewKeyManager(crypto.KeyManagerConfig{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Client{
		store:         opts.Store,
		cipher:        opts.Cipher,
		keys:          keys,
		publicBaseURL: opts.PublicBaseURL,
		maxFileSize:   opts.MaxFileSize,
		deriveFirst:   opts.DerivePasswordBeforeDispatch,
		logger:        logger,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		observer:      opts.Observer,
		tracer:        otel.Tracer(tracerName),
	}, nil
}

func (c *Client) notify(ev Event) {
	c.metrics.RecordTransferTransition(string(ev.Direction), ev.To)
	if c.observer != nil {
		c.observer(ev)
	}
}

// errorType is the metric label for err.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return string(zkerr.KindOf(err))
}
