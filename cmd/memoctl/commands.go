package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/capture"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/jobs"
	"github.com/loqalabs/loqa-memo/internal/models"
	"github.com/loqalabs/loqa-memo/internal/runtime"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/transcribe"
)

type command func(ctx context.Context, args []string) error

type app struct {
	cfg config.Config
	log *slog.Logger
	out *printer
	svc *runtime.Services
}

func (a *app) commands() map[string]command {
	return map[string]command{
		"validate":     a.validate,
		"record":       a.record,
		"transcribe":   a.transcribe,
		"list":         a.list,
		"search":       a.search,
		"show":         a.show,
		"export":       a.export,
		"decrypt":      a.decrypt,
		"import-model": a.importModel,
	}
}

// services opens the shared services on first use.
func (a *app) services(ctx context.Context) (*runtime.Services, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	svc, err := runtime.Open(ctx, a.cfg, nil, a.log)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) close() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			a.log.Warn("close services", slog.String("error", err.Error()))
		}
	}
}

func flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (a *app) validate(ctx context.Context, args []string) error {
	if err := flags("validate").Parse(args); err != nil {
		return err
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	recs, err := svc.Store.ListRecordings(ctx, 0)
	if err != nil {
		return err
	}
	premium := "disabled"
	if a.cfg.STT.Premium.Enabled {
		premium = a.cfg.STT.Premium.Mode
	}
	llm := "fallback only"
	if a.cfg.LLM.Enabled {
		llm = a.cfg.LLM.Mode
	}
	return a.out.kv(
		"config", "valid",
		"database", a.cfg.Storage.DBPath,
		"recordings", len(recs),
		"encrypt", svc.Cipher != nil,
		"baseline_stt", a.cfg.STT.Baseline.Mode,
		"premium_stt", premium,
		"llm", llm,
	)
}

func (a *app) record(ctx context.Context, args []string) error {
	fs := flags("record")
	from := fs.String("from", "", "WAV file to record (16-bit PCM)")
	now := fs.Bool("transcribe", false, "Run queued transcriptions, this one included, before returning")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" {
		fmt.Fprintln(os.Stderr, "record: -from is required")
		return errUsage
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	src, err := capture.OpenWAVSource(*from)
	if err != nil {
		return err
	}
	m, err := capture.NewManager(capture.Options{
		Capture:  a.cfg.Capture,
		AudioDir: a.cfg.Storage.AudioDir,
		KeyAlias: a.cfg.Security.AudioKeyAlias,
		Cipher:   svc.Cipher,
		Open:     capture.FixedOpener(src),
		Catalog:  svc.Store,
		Queue:    svc.Jobs,
	}, a.log)
	if err != nil {
		src.Close()
		return err
	}
	s, _, err := m.TryStart(ctx)
	if err != nil {
		return err
	}
	rec, err := s.Wait(ctx)
	if err != nil && rec.ID == 0 {
		return err
	}
	if err != nil {
		a.log.Warn("recording ended early", slog.String("error", err.Error()))
	}
	if *now {
		if err := drain(ctx, svc); err != nil {
			return err
		}
	}
	return a.out.recordings([]recordingRow{rowOf(rec)})
}

func (a *app) transcribe(ctx context.Context, args []string) error {
	fs := flags("transcribe")
	id := fs.Int64("id", 0, "Recording to transcribe")
	pending := fs.Bool("pending", false, "Run every queued transcription job")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*id == 0) == !*pending {
		fmt.Fprintln(os.Stderr, "transcribe: give exactly one of -id or -pending")
		return errUsage
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	if *id != 0 {
		if _, err := svc.Store.GetRecording(ctx, *id); err != nil {
			return err
		}
		// Through the job table so a daemon worker never runs the same recording.
		var report transcribe.Report
		outcome, err := svc.Jobs.Run(ctx, *id, jobs.HandlerFunc(func(ctx context.Context, job store.Job) error {
			var err error
			report, err = svc.Worker.Transcribe(ctx, job.RecordingID)
			return err
		}))
		if err != nil {
			return err
		}
		if outcome.Err != nil {
			return outcome.Err
		}
		return a.report(report)
	}

	counts := map[jobs.Result]int{}
	svc.Jobs.Observe(func(o jobs.Outcome) { counts[o.Result]++ })
	if err := drain(ctx, svc); err != nil {
		return err
	}
	return a.out.kv(
		"completed", counts[jobs.ResultCompleted],
		"retrying", counts[jobs.ResultRetrying],
		"failed", counts[jobs.ResultFailed],
	)
}

// drain runs due jobs until none is left.
func drain(ctx context.Context, svc *runtime.Services) error {
	for {
		ran, err := svc.Jobs.RunOnce(ctx)
		if err != nil || !ran {
			return err
		}
	}
}

func (a *app) report(r transcribe.Report) error {
	pairs := []any{
		"recording", r.RecordingID,
		"engine", string(r.Decision.Engine),
		"summary", string(r.Summary.Source),
		"title", r.Title,
		"segments", r.Segments,
		"duration", formatDuration(r.DurationMs),
	}
	if r.Decision.Notice != "" {
		pairs = append(pairs, "notice", r.Decision.Notice)
	}
	return a.out.kv(pairs...)
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flags("list")
	limit := fs.Int("limit", 20, "Maximum number of recordings, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	recs, err := svc.Store.ListRecordings(ctx, *limit)
	if err != nil {
		return err
	}
	rows := make([]recordingRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, rowOf(rec))
	}
	return a.out.recordings(rows)
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flags("search")
	limit := fs.Int("limit", 20, "Maximum number of hits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, `search: expected a query, e.g. budget tags:"projet"`)
		return errUsage
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	hits, err := svc.Store.Search(ctx, query, *limit)
	if err != nil {
		return err
	}
	rows := make([]recordingRow, 0, len(hits))
	for _, h := range hits {
		row := rowOf(h.Recording)
		row.Snippet = h.Snippet
		rows = append(rows, row)
	}
	return a.out.recordings(rows)
}

func (a *app) show(ctx context.Context, args []string) error {
	fs := flags("show")
	id := fs.Int64("id", 0, "Recording to show")
	format := fs.String("format", "md", "md or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "show: -id is required")
		return errUsage
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	switch *format {
	case "md":
		md, err := svc.Exporter.Markdown(ctx, *id)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(a.out.w, md)
		return err
	case "json":
		s, err := svc.Exporter.Session(ctx, *id)
		if err != nil {
			return err
		}
		return a.out.emit(s)
	}
	fmt.Fprintf(os.Stderr, "show: unknown format %q\n", *format)
	return errUsage
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flags("export")
	id := fs.Int64("id", 0, "Recording to export as json")
	format := fs.String("format", "md", "md (zip of every recording) or json (one recording)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	var path string
	switch *format {
	case "md":
		path, err = svc.Exporter.WriteMarkdownZip(ctx)
	case "json":
		if *id == 0 {
			fmt.Fprintln(os.Stderr, "export: json needs -id")
			return errUsage
		}
		path, err = svc.Exporter.WriteJSON(ctx, *id)
	default:
		fmt.Fprintf(os.Stderr, "export: unknown format %q\n", *format)
		return errUsage
	}
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return a.out.kv("path", path, "size", fileSize(info.Size()), "encrypted", svc.Cipher != nil)
}

func (a *app) decrypt(ctx context.Context, args []string) error {
	fs := flags("decrypt")
	in := fs.String("in", "", "Encrypted export or recording")
	out := fs.String("out", "", "Destination (default: stdout for exports)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		fmt.Fprintln(os.Stderr, "decrypt: -in is required")
		return errUsage
	}
	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	if svc.Cipher == nil {
		return failure.New(failure.InvalidState, "decrypt", errors.New("encryption is disabled in this configuration"))
	}

	if strings.EqualFold(filepath.Ext(*in), ".wav") {
		if *out == "" {
			fmt.Fprintln(os.Stderr, "decrypt: recordings need -out")
			return errUsage
		}
		tmp, cleanup, err := svc.Cipher.DecryptToTemp(ctx, *in, filepath.Dir(*out))
		if err != nil {
			return err
		}
		if tmp == *in {
			cleanup()
			return failure.New(failure.InvalidState, "decrypt", fmt.Errorf("%s is not encrypted", filepath.Base(*in)))
		}
		if err := os.Rename(tmp, *out); err != nil {
			cleanup()
			return fmt.Errorf("move plaintext: %w", err)
		}
		return a.out.kv("path", *out)
	}

	plain, err := svc.Cipher.DecryptFile(ctx, *in)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = a.out.w.Write(plain)
		return err
	}
	if err := os.WriteFile(*out, plain, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	return a.out.kv("path", *out, "size", fileSize(int64(len(plain))))
}

func (a *app) importModel(_ context.Context, args []string) error {
	fs := flags("import-model")
	src := fs.String("src", "", "Model archive (.zip, baseline) or model file (premium)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *src == "" {
		fmt.Fprintln(os.Stderr, "import-model: -src is required")
		return errUsage
	}
	dst, err := models.Import(*src, models.Dirs{
		Baseline: a.cfg.STT.Baseline.ModelDir,
		Premium:  a.cfg.STT.Premium.ModelDir,
	})
	if err != nil {
		return err
	}
	return a.out.kv("installed", dst)
}
