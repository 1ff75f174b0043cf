package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/export"
	"github.com/loqalabs/loqa-memo/internal/jobs"
	"github.com/loqalabs/loqa-memo/internal/llm"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/stt"
	"github.com/loqalabs/loqa-memo/internal/summary"
	"github.com/loqalabs/loqa-memo/internal/transcribe"
	"github.com/loqalabs/loqa-memo/internal/vault"
)

// Services is the processing side of the application: catalog, keys,
// engines and the transcription queue. The daemon and the CLIs share it.
type Services struct {
	Config config.Config
	Store  *store.Store
	// Cipher is nil when security.encrypt is off.
	Cipher     *vault.Cipher
	Engines    *stt.Arbitrator
	Summarizer *summary.Summarizer
	Worker     *transcribe.Worker
	Jobs       *jobs.Pool
	Exporter   *export.Exporter

	log *slog.Logger
}

// Open builds every service from cfg. client may be nil, in which case no
// transcription events are published.
func Open(ctx context.Context, cfg config.Config, client *bus.Client, log *slog.Logger) (_ *Services, err error) {
	s := &Services{Config: cfg, log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.Security.Encrypt {
		keys, err := vault.NewFileKeyStore(cfg.Security.KeystoreDir, vault.FileKeyStoreOptions{
			Passphrase: cfg.Security.Passphrase,
			CacheSize:  cfg.Security.KeyCacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		s.Cipher = vault.NewCipher(keys)
	}

	if s.Store, err = store.Open(ctx, cfg.Storage, log); err != nil {
		return nil, err
	}
	if s.Engines, err = stt.New(cfg.STT, log); err != nil {
		return nil, fmt.Errorf("init speech engines: %w", err)
	}
	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	if s.Summarizer, err = summary.NewSummarizer(gen, cfg.LLM, log); err != nil {
		return nil, err
	}

	opts := transcribe.Options{
		Catalog:    s.Store,
		Engines:    s.Engines,
		Summarizer: s.Summarizer,
		Bus:        client,
		STT:        cfg.STT,
	}
	var sealer export.Sealer
	if s.Cipher != nil {
		opts.Decrypter = s.Cipher
		sealer = s.Cipher
	}
	if s.Worker, err = transcribe.New(opts, log); err != nil {
		return nil, err
	}
	if s.Jobs, err = jobs.NewPool(s.Store, s.Worker, cfg.Jobs, log); err != nil {
		return nil, err
	}
	s.Jobs.Observe(s.Worker.PublishOutcome)
	s.Exporter = export.New(s.Store, cfg.Storage.ExportDir, sealer, cfg.Security.ExportKeyAlias, log)

	log.Info("services ready",
		slog.Bool("encrypt", s.Cipher != nil),
		slog.Bool("premium_stt", cfg.STT.Premium.Enabled),
		slog.Bool("llm", gen != nil),
		slog.String("db", cfg.Storage.DBPath))
	return s, nil
}

// Close stops the job workers and closes the catalog.
func (s *Services) Close() error {
	if s.Jobs != nil {
		s.Jobs.Close()
	}
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
