package transfer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/offload"
	"github.com/kenneth/zk-share/internal/sharelink"
)

// UploadState is the state of an upload session.
type UploadState int

const (
	UploadSelected UploadState = iota
	UploadValidating
	UploadEncrypting
	UploadUploading
	UploadCompleted
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadSelected:
		return "selected"
	case UploadValidating:
		return "validating"
	case UploadEncrypting:
		return "encrypting"
	case UploadUploading:
		return "uploading"
	case UploadCompleted:
		return "completed"
	case UploadFailed:
		return "failed"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

var uploadTransitions = map[UploadState][]UploadState{
	UploadSelected:   {UploadValidating},
	UploadValidating: {UploadEncrypting, UploadFailed},
	UploadEncrypting: {UploadUploading, UploadFailed},
	UploadUploading:  {UploadCompleted, UploadFailed},
	UploadFailed:     {UploadEncrypting},
}

// File is a plaintext file selected for upload.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// UploadOptions holds per-upload settings.
type UploadOptions struct {
	// Password switches the upload to password mode. The share link then
	// carries the password marker instead of the key.
	Password string
}

// UploadResult describes a completed upload. ShareURL carries the key in its
// fragment and must not be logged; use sharelink.StripFragment.
type UploadResult struct {
	ID        string
	ShareURL  string
	Mode      crypto.KeyMode
	Metadata  codec.WireMetadata
	ExpiresAt time.Time
}

// UploadSession uploads one file.
type UploadSession struct {
	client *Client
	file   File
	opts   UploadOptions

	mu        sync.Mutex
	state     UploadState
	err       error
	result    *UploadResult
	validated bool
	busy      bool
}

// NewUpload creates a session in the Selected state.
func (c *Client) NewUpload(file File, opts UploadOptions) *UploadSession {
	if file.MIMEType == "" {
		file.MIMEType = "application/octet-stream"
	}
	return &UploadSession{client: c, file: file, opts: opts, state: UploadSelected}
}

// State returns the current state.
func (u *UploadSession) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the error that moved the session to Failed.
func (u *UploadSession) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Result returns the result of a completed upload.
func (u *UploadSession) Result() *UploadResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

// Run validates, encrypts and uploads the file.
func (u *UploadSession) Run(ctx context.Context) (*UploadResult, error) {
	if err := u.begin(UploadSelected); err != nil {
		return nil, err
	}
	defer u.end()

	ctx, span := u.client.tracer.Start(ctx, "transfer.upload")
	defer span.End()
	span.SetAttributes(
		attribute.Int("file.size", len(u.file.Data)),
		attribute.Bool("password_mode", u.opts.Password != ""),
	)

	started := time.Now()
	u.advance(UploadValidating, nil)
	if err := u.validate(); err != nil {
		return nil, u.fail(span, started, err)
	}
	u.mu.Lock()
	u.validated = true
	u.mu.Unlock()

	return u.encryptAndUpload(ctx, started)
}

// Retry restarts a failed upload at Encrypting with a fresh key schedule.
// Uploads that failed validation cannot be retried.
func (u *UploadSession) Retry(ctx context.Context) (*UploadResult, error) {
	if err := u.begin(UploadFailed); err != nil {
		return nil, err
	}
	defer u.end()

	u.mu.Lock()
	validated := u.validated
	u.mu.Unlock()
	if !validated {
		return nil, fmt.Errorf("%w: upload failed validation", ErrInvalidTransition)
	}

	ctx, span := u.client.tracer.Start(ctx, "transfer.upload.retry")
	defer span.End()
	return u.encryptAndUpload(ctx, time.Now())
}

func (u *UploadSession) begin(want UploadState) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.busy {
		return fmt.Errorf("%w: upload is running", ErrInvalidTransition)
	}
	if u.state != want {
		return fmt.Errorf("%w: upload is %s, want %s", ErrInvalidTransition, u.state, want)
	}
	u.busy = true
	return nil
}

func (u *UploadSession) end() {
	u.mu.Lock()
	u.busy = false
	u.mu.Unlock()
}

func (u *UploadSession) validate() error {
	c := u.client
	if c.maxFileSize > 0 && int64(len(u.file.Data)) > c.maxFileSize {
		return fmt.Errorf("file is %d bytes, limit is %d", len(u.file.Data), c.maxFileSize)
	}
	if u.opts.Password != "" {
		if err := c.keys.ValidatePassword(u.opts.Password); err != nil {
			return err
		}
	}
	return nil
}

// job builds the encrypt job. The returned key is the one to embed in the
// share link; it is zero in password mode.
func (u *UploadSession) job() (offload.EncryptJob, crypto.SymmetricKey, error) {
	c := u.client
	job := offload.EncryptJob{
		Plaintext: crypto.Plaintext{Data: u.file.Data, Filename: u.file.Name, MIMEType: u.file.MIMEType},
	}

	switch {
	case u.opts.Password == "":
		schedule, err := c.keys.NewSchedule()
		if err != nil {
			return job, crypto.SymmetricKey{}, err
		}
		job.Schedule = schedule
		return job, schedule.Key, nil
	case c.deriveFirst:
		schedule, err := c.keys.DeriveSchedule(u.opts.Password)
		if err != nil {
			return job, crypto.SymmetricKey{}, err
		}
		job.Schedule = schedule
	default:
		job.Password = u.opts.Password
	}
	return job, crypto.SymmetricKey{}, nil
}

func (u *UploadSession) encryptAndUpload(ctx context.Context, started time.Time) (*UploadResult, error) {
	c := u.client
	span := trace.SpanFromContext(ctx)

	u.advance(UploadEncrypting, nil)
	job, key, err := u.job()
	if err != nil {
		return nil, u.fail(span, started, fmt.Errorf("prepare key: %w", err))
	}
	defer key.Zero()

	mode := crypto.ModeGenerated
	if u.opts.Password != "" {
		mode = crypto.ModePasswordDerived
	}

	encStart := time.Now()
	pkg, err := c.cipher.Encrypt(ctx, job)
	job.Schedule.Zero()
	encDur := time.Since(encStart)
	if err != nil {
		c.metrics.RecordEncryptionError("encrypt", errorType(err))
		if c.audit != nil {
			c.audit.LogEncrypt("", "", mode.String(), false, err, encDur, nil)
		}
		return nil, u.fail(span, started, fmt.Errorf("encrypt file: %w", err))
	}
	c.metrics.RecordEncryptionOperation("encrypt", encDur, int64(len(u.file.Data)))

	// The package, including its IV and salt, is complete before the
	// upload starts.
	u.advance(UploadUploading, nil)
	wire := pkg.Metadata.Wire()
	put, err := c.store.Put(ctx, pkg.Ciphertext, wire)
	if err != nil {
		return nil, u.fail(span, started, fmt.Errorf("store ciphertext: %w", err))
	}

	base, err := c.shareBase(put)
	if err != nil {
		return nil, u.fail(span, started, fmt.Errorf("build share link: %w", err))
	}
	var shareURL string
	if mode == crypto.ModePasswordDerived {
		shareURL, err = sharelink.EmbedPasswordSentinel(base)
	} else {
		shareURL, err = sharelink.EmbedKey(key, base)
	}
	if err != nil {
		return nil, u.fail(span, started, fmt.Errorf("build share link: %w", err))
	}

	if c.audit != nil {
		c.audit.LogEncrypt(put.ID, wire.Algorithm, mode.String(), true, nil, encDur, map[string]interface{}{
			"size": len(u.file.Data),
		})
		c.audit.LogTransfer(audit.EventTypeUpload, put.ID, true, nil, time.Since(started))
	}

	result := &UploadResult{
		ID:        put.ID,
		ShareURL:  shareURL,
		Mode:      mode,
		Metadata:  wire,
		ExpiresAt: put.ExpiresAt,
	}
	u.mu.Lock()
	u.result = result
	u.mu.Unlock()

	span.SetAttributes(attribute.String("blob.id", put.ID), attribute.String("key.mode", mode.String()))
	span.SetStatus(codes.Ok, "")
	c.logger.WithFields(logrus.Fields{
		"blob_id":   put.ID,
		"share_url": sharelink.StripFragment(shareURL),
		"key_mode":  mode.String(),
		"size":      len(u.file.Data),
		"algorithm": wire.Algorithm,
	}).Info("Upload completed")

	u.advance(UploadCompleted, nil)
	return result, nil
}

func (u *UploadSession) fail(span trace.Span, started time.Time, err error) error {
	c := u.client
	span.RecordError(err)
	span.SetStatus(codes.Error, errorType(err))
	if c.audit != nil {
		c.audit.LogTransfer(audit.EventTypeUpload, "", false, err, time.Since(started))
	}
	c.logger.WithError(err).WithField("state", u.State().String()).Warn("Upload failed")
	u.advance(UploadFailed, err)
	return err
}

func (u *UploadSession) advance(to UploadState, err error) {
	u.mu.Lock()
	from := u.state
	if !slices.Contains(uploadTransitions[from], to) {
		u.mu.Unlock()
		panic(fmt.Sprintf("transfer: upload transition %s -> %s", from, to))
	}
	u.state = to
	u.err = err
	u.mu.Unlock()

	u.client.notify(Event{Direction: DirectionUpload, From: from.String(), To: to.String(), Err: err})
}

// shareBase returns the fragment-free link the key is attached to. A
// configured public base always wins. Otherwise the store's download URL
// is used only if it is an http or https /s/{id} link for the stored blob.
func (c *Client) shareBase(put blobstore.PutResult) (string, error) {
	if c.publicBaseURL != "" {
		return sharelink.ShareURL(c.publicBaseURL, put.ID)
	}
	if put.DownloadURL == "" {
		return "", fmt.Errorf("%w: no public base URL configured and the store returned no download URL", sharelink.ErrInvalidLink)
	}
	id, err := sharelink.ShortID(put.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("store download URL: %w", err)
	}
	if id != put.ID {
		return "", fmt.Errorf("%w: store download URL names %q, expected %q", sharelink.ErrInvalidLink, id, put.ID)
	}
	return sharelink.StripFragment(put.DownloadURL), nil
}
