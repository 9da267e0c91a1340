package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/offload"
	"github.com/kenneth/zk-share/internal/sharelink"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// DownloadState is the state of a download session.
type DownloadState int

const (
	DownloadFetching DownloadState = iota
	DownloadDecrypting
	DownloadReady
	DownloadAuthenticationFailed
	DownloadFailed
)

func (s DownloadState) String() string {
	switch s {
	case DownloadFetching:
		return "fetching"
	case DownloadDecrypting:
		return "decrypting"
	case DownloadReady:
		return "ready"
	case DownloadAuthenticationFailed:
		return "authentication_failed"
	case DownloadFailed:
		return "failed"
	default:
		return fmt.Sprintf("DownloadState(%d)", int(s))
	}
}

var downloadTransitions = map[DownloadState][]DownloadState{
	DownloadFetching:             {DownloadDecrypting, DownloadFailed},
	DownloadDecrypting:           {DownloadReady, DownloadAuthenticationFailed, DownloadFailed},
	DownloadAuthenticationFailed: {DownloadDecrypting},
	DownloadFailed:               {DownloadDecrypting},
}

// DownloadOptions holds per-download settings.
type DownloadOptions struct {
	// Password opens password-protected links.
	Password string
}

// DownloadSession fetches and decrypts one shared file. The session owns
// the decrypted material and releases it on Close.
type DownloadSession struct {
	client   *Client
	shareURL string

	mu       sync.Mutex
	state    DownloadState
	err      error
	started  bool
	busy     bool
	closed   bool
	password string
	link     sharelink.Link
	pkg      *crypto.EncryptedPackage
	material *crypto.DecryptedMaterial
}

// NewDownload creates a session for shareURL in the Fetching state.
func (c *Client) NewDownload(shareURL string, opts DownloadOptions) *DownloadSession {
	return &DownloadSession{
		client:   c,
		shareURL: shareURL,
		state:    DownloadFetching,
		password: opts.Password,
	}
}

// State returns the current state.
func (d *DownloadSession) State() DownloadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error that moved the session to a failure state.
func (d *DownloadSession) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Material returns the decrypted file once the session is Ready, or nil.
func (d *DownloadSession) Material() *crypto.DecryptedMaterial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.material
}

// Metadata returns the public metadata of the fetched blob, if any.
func (d *DownloadSession) Metadata() (crypto.EncryptionMetadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pkg == nil {
		return crypto.EncryptionMetadata{}, false
	}
	return d.pkg.Metadata, true
}

// Run fetches the blob and decrypts it.
func (d *DownloadSession) Run(ctx context.Context) (*crypto.DecryptedMaterial, error) {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: download is closed", ErrInvalidTransition)
	case d.started:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: download already started", ErrInvalidTransition)
	}
	d.started = true
	d.busy = true
	d.mu.Unlock()
	defer d.end()

	ctx, span := d.client.tracer.Start(ctx, "transfer.download")
	defer span.End()

	started := time.Now()
	if err := d.fetch(ctx); err != nil {
		return nil, d.fail(span, started, DownloadFailed, err)
	}
	return d.decrypt(ctx, started)
}

// Retry decrypts the already fetched blob again, with password when it is
// not empty. It is allowed after AuthenticationFailed, and after Failed
// once the blob has been fetched.
func (d *DownloadSession) Retry(ctx context.Context, password string) (*crypto.DecryptedMaterial, error) {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: download is closed", ErrInvalidTransition)
	case d.busy:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: download is running", ErrInvalidTransition)
	case d.state != DownloadAuthenticationFailed && d.state != DownloadFailed:
		state := d.state
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: download is %s", ErrInvalidTransition, state)
	case d.pkg == nil:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing was fetched, open the link again", ErrInvalidTransition)
	}
	if password != "" {
		d.password = password
	}
	d.busy = true
	d.mu.Unlock()
	defer d.end()

	ctx, span := d.client.tracer.Start(ctx, "transfer.download.retry")
	defer span.End()
	return d.decrypt(ctx, time.Now())
}

// Close releases the decrypted material and forgets the key and password.
func (d *DownloadSession) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.material.Release()
	d.material = nil
	d.link.Key.Zero()
	d.password = ""
	d.closed = true
}

func (d *DownloadSession) end() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

func (d *DownloadSession) fetch(ctx context.Context) error {
	c := d.client

	link, err := sharelink.Parse(d.shareURL)
	if err != nil {
		return fmt.Errorf("open share link: %w", err)
	}
	d.mu.Lock()
	d.link = link
	d.mu.Unlock()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("blob.id", link.ShortID))

	obj, err := c.store.Get(ctx, link.ShortID)
	if err != nil {
		return fmt.Errorf("fetch blob: %w", err)
	}
	meta, err := crypto.MetadataFromWire(obj.Metadata)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := c.keys.CheckIterations(meta.Iterations); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	d.mu.Lock()
	d.pkg = &crypto.EncryptedPackage{Ciphertext: obj.Ciphertext, Metadata: meta}
	d.mu.Unlock()
	return nil
}

// job picks the credentials for the fetched package. Password packages use
// the session password; generated-key packages use the key from the link.
func (d *DownloadSession) job() (offload.DecryptJob, error) {
	d.mu.Lock()
	pkg, link, password := d.pkg, d.link, d.password
	d.mu.Unlock()

	job := offload.DecryptJob{Package: pkg}
	if crypto.ModeOf(pkg.Metadata) == crypto.ModePasswordDerived {
		if password == "" {
			return job, fmt.Errorf("%w: password required", zkerr.ErrInvalidKeyFormat)
		}
		if !d.client.deriveFirst {
			job.Password = password
			return job, nil
		}
		key, err := crypto.DeriveKeyFromPassword(password, pkg.Metadata.Salt, pkg.Metadata.Iterations)
		if err != nil {
			return job, err
		}
		job.Key = key
		return job, nil
	}

	if link.Mode != sharelink.ModeKey {
		return job, fmt.Errorf("%w: link carries no usable key", zkerr.ErrInvalidKeyFormat)
	}
	job.Key = link.Key
	return job, nil
}

func (d *DownloadSession) decrypt(ctx context.Context, started time.Time) (*crypto.DecryptedMaterial, error) {
	c := d.client
	span := trace.SpanFromContext(ctx)

	d.advance(DownloadDecrypting, nil)
	job, err := d.job()
	if err != nil {
		return nil, d.fail(span, started, DownloadFailed, err)
	}

	meta := job.Package.Metadata
	mode := crypto.ModeOf(meta).String()
	decStart := time.Now()
	material, err := c.cipher.Decrypt(ctx, job)
	job.Key.Zero()
	decDur := time.Since(decStart)

	if err != nil {
		c.metrics.RecordEncryptionError("decrypt", errorType(err))
		if c.audit != nil {
			c.audit.LogDecrypt(d.link.ShortID, meta.Algorithm, mode, false, err, decDur, nil)
		}
		to := DownloadFailed
		if errors.Is(err, zkerr.ErrAuthenticationFailure) {
			to = DownloadAuthenticationFailed
		}
		return nil, d.fail(span, started, to, fmt.Errorf("decrypt: %w", err))
	}
	c.metrics.RecordEncryptionOperation("decrypt", decDur, int64(material.Size))

	d.mu.Lock()
	if d.closed {
		// Closed while the worker was running.
		d.mu.Unlock()
		material.Release()
		err := fmt.Errorf("%w: download is closed", ErrInvalidTransition)
		d.advance(DownloadFailed, err)
		return nil, err
	}
	d.material = material
	d.mu.Unlock()

	if c.audit != nil {
		c.audit.LogDecrypt(d.link.ShortID, meta.Algorithm, mode, true, nil, decDur, map[string]interface{}{
			"size": material.Size,
		})
		c.audit.LogTransfer(audit.EventTypeDownload, d.link.ShortID, true, nil, time.Since(started))
	}
	span.SetStatus(codes.Ok, "")
	c.logger.WithFields(logrus.Fields{
		"blob_id":   d.link.ShortID,
		"key_mode":  mode,
		"size":      material.Size,
		"algorithm": meta.Algorithm,
	}).Info("Download ready")

	d.advance(DownloadReady, nil)
	return material, nil
}

func (d *DownloadSession) fail(span trace.Span, started time.Time, to DownloadState, err error) error {
	c := d.client
	span.RecordError(err)
	span.SetStatus(codes.Error, errorType(err))
	if c.audit != nil {
		c.audit.LogTransfer(audit.EventTypeDownload, d.link.ShortID, false, err, time.Since(started))
	}
	c.logger.WithError(err).WithFields(logrus.Fields{
		"share_url": sharelink.StripFragment(d.shareURL),
		"state":     d.State().String(),
	}).Warn("Download failed")
	d.advance(to, err)
	return err
}

func (d *DownloadSession) advance(to DownloadState, err error) {
	d.mu.Lock()
	from := d.state
	if !slices.Contains(downloadTransitions[from], to) {
		d.mu.Unlock()
		panic(fmt.Sprintf("transfer: download transition %s -> %s", from, to))
	}
	d.state = to
	d.err = err
	d.mu.Unlock()

	d.client.notify(Event{Direction: DirectionDownload, From: from.String(), To: to.String(), Err: err})
}
