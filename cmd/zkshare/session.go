package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/config"
	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/offload"
	"github.com/kenneth/zk-share/internal/transfer"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// session bundles everything one command needs to talk to a blob server.
type session struct {
	cfg    *config.Config
	store  *blobstore.HTTPStore
	runner *offload.Runner
	client *transfer.Client
	logger *logrus.Logger
}

func newLogger(errOut io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(errOut)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.serverURL != "" {
		cfg.Client.ServerURL = opts.serverURL
	}
	return cfg, nil
}

func newHTTPStore(cfg *config.Config, logger *logrus.Logger) (*blobstore.HTTPStore, error) {
	return blobstore.NewHTTPStore(blobstore.HTTPConfig{
		BaseURL:     cfg.Client.ServerURL,
		RetryMax:    cfg.Client.RetryMax,
		Timeout:     cfg.Client.Timeout,
		MaxBlobSize: cfg.Storage.MaxBlobSize,
	}, logger, nil)
}

// openSession builds the store client, the crypto workers and the transfer
// client. Callers must Close the session.
func openSession(opts *rootOptions, errOut io.Writer, observer transfer.Observer) (*session, error) {
	logger := newLogger(errOut, opts.verbose)
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := newHTTPStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	keys := crypto.NewKeyManager(crypto.KeyManagerConfig{
		Iterations:        cfg.Encryption.Iterations,
		MinPasswordLength: cfg.Encryption.MinPasswordLength,
	})
	var compressor *crypto.Compressor
	if cfg.Compression.Enabled {
		compressor, err = crypto.NewCompressor(crypto.CompressionConfig{
			Enabled:      true,
			Algorithm:    cfg.Compression.Algorithm,
			MinSize:      cfg.Compression.MinSize,
			ContentTypes: cfg.Compression.ContentTypes,
			Level:        cfg.Compression.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("compression: %w", err)
		}
	}

	runner := offload.NewRunner(offload.Config{
		Workers:      cfg.Offload.Workers,
		QueueSize:    cfg.Offload.QueueSize,
		StartTimeout: cfg.Offload.StartTimeout,
	}, offload.EngineFactory(crypto.EngineConfig{
		Algorithm:  cfg.Encryption.Algorithm,
		KeyManager: keys,
		Compressor: compressor,
	}), logger, nil)
	if err := runner.Start(); err != nil {
		return nil, fmt.Errorf("start crypto workers: %w", err)
	}

	client, err := transfer.NewClient(transfer.Options{
		Store:                        store,
		Cipher:                       runner,
		KeyManager:                   keys,
		PublicBaseURL:                cfg.PublicBaseURL,
		MaxFileSize:                  cfg.Encryption.MaxFileSize,
		DerivePasswordBeforeDispatch: cfg.Encryption.DeriveBeforeDispatch,
		Logger:                       logger,
		Observer:                     observer,
	})
	if err != nil {
		runner.Stop()
		return nil, err
	}

	return &session{cfg: cfg, store: store, runner: runner, client: client, logger: logger}, nil
}

func (s *session) Close() {
	s.runner.Stop()
}

// progress is a stderr spinner driven by session events. The spinner stays
// silent when stderr is not a terminal.
type progress struct {
	s *spinner.Spinner
}

func newProgress(errOut io.Writer, label string) *progress {
	opt := spinner.WithWriter(errOut)
	if f, ok := errOut.(*os.File); ok {
		opt = spinner.WithWriterFile(f)
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, opt)
	s.Suffix = " " + label
	_ = s.Color("cyan")
	s.Start()
	return &progress{s: s}
}

var stateLabels = map[string]string{
	"validating": "Checking file",
	"encrypting": "Encrypting",
	"uploading":  "Uploading ciphertext",
	"fetching":   "Fetching ciphertext",
	"decrypting": "Decrypting",
}

func (p *progress) observe(ev transfer.Event) {
	label, ok := stateLabels[ev.To]
	if !ok {
		return
	}
	p.s.Lock()
	p.s.Suffix = " " + label + "..."
	p.s.Unlock()
}

func (p *progress) stop() {
	p.s.Stop()
}

// describeError turns an error into the line shown to the user.
func describeError(err error) string {
	switch {
	case errors.Is(err, blobstore.ErrTooLarge):
		return "The file is larger than the server accepts."
	case errors.Is(err, blobstore.ErrStoreFull):
		return "The server is out of space. Try again later."
	case errors.Is(err, errPasswordMismatch), errors.Is(err, errNoTerminal), errors.Is(err, errOutputExists):
		return err.Error()
	}
	if zkerr.KindOf(err) == zkerr.KindUnknown {
		return color.YellowString(err.Error())
	}
	return zkerr.UserMessage(err)
}
