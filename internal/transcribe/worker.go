// Package transcribe turns a captured recording into a stored transcript,
// segment set and summary.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/jobs"
	"github.com/loqalabs/loqa-memo/internal/protocol"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/stt"
	"github.com/loqalabs/loqa-memo/internal/summary"
	"github.com/loqalabs/loqa-memo/internal/transcript"
)

// Catalog is the part of the store the worker reads and writes.
type Catalog interface {
	GetRecording(ctx context.Context, id int64) (store.Recording, error)
	SaveTranscription(ctx context.Context, recordingID int64, result transcript.Result, summaryJSON []byte) error
}

// Transcriber picks an engine and transcribes a plaintext WAV file.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (stt.Result, stt.Decision, error)
}

// Summarizer produces the summary document stored next to a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, text string, durationMs int64, prov summary.Provenance) (summary.Document, summary.Outcome, error)
}

// Decrypter yields a plaintext copy of a recording and a cleanup function.
type Decrypter interface {
	DecryptToTemp(ctx context.Context, path, dir string) (string, func(), error)
}

// Report describes one successful transcription.
type Report struct {
	RecordingID int64
	Decision    stt.Decision
	Summary     summary.Outcome
	Title       string
	Segments    int
	DurationMs  int64
}

// Worker runs the transcription pipeline for one recording at a time. It is
// safe for concurrent use when its collaborators are.
type Worker struct {
	catalog    Catalog
	engines    Transcriber
	summarizer Summarizer
	decrypter  Decrypter
	bus        *bus.Client
	log        *slog.Logger

	language   string
	minSegment int64
	tempDir    string

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Options configures a Worker. Decrypter and Bus may be nil.
type Options struct {
	Catalog    Catalog
	Engines    Transcriber
	Summarizer Summarizer
	Decrypter  Decrypter
	Bus        *bus.Client
	STT        config.STTConfig
	TempDir    string
}

func New(opts Options, log *slog.Logger) (*Worker, error) {
	if opts.Catalog == nil || opts.Engines == nil || opts.Summarizer == nil {
		return nil, fmt.Errorf("transcription worker requires a catalog, engines and a summarizer")
	}
	meter := otel.Meter("github.com/loqalabs/loqa-memo/transcribe")
	duration, err := meter.Float64Histogram("memo.transcription.duration",
		metric.WithDescription("Wall time of a transcription job"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &Worker{
		catalog:    opts.Catalog,
		engines:    opts.Engines,
		summarizer: opts.Summarizer,
		decrypter:  opts.Decrypter,
		bus:        opts.Bus,
		log:        log.With(slog.String("component", "transcribe")),
		language:   opts.STT.Language,
		minSegment: int64(opts.STT.MergeMinSegment),
		tempDir:    opts.TempDir,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-memo/transcribe"),
		duration:   duration,
	}, nil
}

// Handle runs a queued job and announces its completion.
func (w *Worker) Handle(ctx context.Context, job store.Job) error {
	report, err := w.Transcribe(ctx, job.RecordingID)
	if err != nil {
		return err
	}
	w.publish(ctx, protocol.TranscriptionEvent{
		RecordingID: job.RecordingID,
		Status:      string(jobs.ResultCompleted),
		Attempt:     job.Attempts,
		Engine:      string(report.Decision.Engine),
		Notice:      report.Decision.Notice,
		Summary:     string(report.Summary.Source),
	})
	return nil
}

// PublishOutcome announces retried and failed attempts. Completed attempts
// are announced by Handle.
func (w *Worker) PublishOutcome(o jobs.Outcome) {
	if o.Result == jobs.ResultCompleted {
		return
	}
	evt := protocol.TranscriptionEvent{
		RecordingID: o.Job.RecordingID,
		Status:      string(o.Result),
		Attempt:     o.Job.Attempts,
	}
	if o.Err != nil {
		evt.Error = o.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.publish(ctx, evt)
}

// Transcribe decrypts, transcribes, summarizes and stores one recording.
// Nothing is written unless every step succeeds.
func (w *Worker) Transcribe(ctx context.Context, recordingID int64) (report Report, err error) {
	ctx, span := w.tracer.Start(ctx, "transcribe.recording",
		trace.WithAttributes(attribute.Int64("recording.id", recordingID)))
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = failure.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		w.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("engine", string(report.Decision.Engine)),
			attribute.String("status", status)))
		span.End()
	}()

	rec, err := w.catalog.GetRecording(ctx, recordingID)
	if err != nil {
		return Report{}, err
	}
	log := w.log.With(slog.Int64("recording_id", recordingID), slog.String("path", rec.FilePath))

	path, cleanup := rec.FilePath, func() {}
	if w.decrypter != nil {
		path, cleanup, err = w.decrypter.DecryptToTemp(ctx, rec.FilePath, w.tempDir)
		if err != nil {
			return Report{}, fmt.Errorf("decrypt recording %d: %w", recordingID, err)
		}
	}
	defer cleanup()

	result, decision, err := w.engines.Transcribe(ctx, path)
	if err != nil {
		return Report{Decision: decision}, fmt.Errorf("transcribe recording %d: %w", recordingID, err)
	}
	span.SetAttributes(attribute.String("stt.engine", string(decision.Engine)), attribute.Bool("stt.fallback", decision.Fallback))
	if decision.Notice != "" {
		log.Warn(decision.Notice)
	}
	if w.minSegment > 0 {
		result.Segments = result.MergeShortSegments(w.minSegment)
	}

	doc, outcome, err := w.summarizer.Summarize(ctx, result.NormalizedText(), result.DurationMs,
		summary.Provenance{Engine: string(decision.Engine), Language: w.language})
	if err != nil {
		return Report{Decision: decision}, fmt.Errorf("summarize recording %d: %w", recordingID, err)
	}
	span.SetAttributes(attribute.String("summary.source", string(outcome.Source)))

	if err := w.catalog.SaveTranscription(ctx, recordingID, result, doc.JSON); err != nil {
		return Report{Decision: decision}, fmt.Errorf("store transcription %d: %w", recordingID, err)
	}
	log.Info("recording transcribed",
		slog.String("engine", string(decision.Engine)),
		slog.Int("segments", len(result.Segments)),
		slog.String("summary", string(outcome.Source)))

	return Report{
		RecordingID: recordingID,
		Decision:    decision,
		Summary:     outcome,
		Title:       doc.Summary.Title,
		Segments:    len(result.Segments),
		DurationMs:  result.DurationMs,
	}, nil
}

func (w *Worker) publish(ctx context.Context, evt protocol.TranscriptionEvent) {
	if w.bus == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	if err := w.bus.Persist(ctx, protocol.TranscriptionSubject(evt.Status), evt); err != nil {
		w.log.Warn("failed to publish transcription event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
