package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/transcript"
)

// SearchEntry is the denormalized full-text row of one recording.
type SearchEntry struct {
	RecordingID  int64
	Transcript   string
	Segments     string
	Keywords     string
	Tags         string
	Participants string
}

// SaveTranscription replaces the transcript, segment set, summary and search
// row of a recording in a single transaction. Existing transcript and summary
// rows keep their ids.
func (s *Store) SaveTranscription(ctx context.Context, recordingID int64, result transcript.Result, summaryJSON []byte) (err error) {
	entry := BuildSearchEntry(recordingID, result, summaryJSON)
	now := s.clock().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.New(failure.TransientIO, "save transcription", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM recordings WHERE id = ?`, recordingID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = failure.New(failure.InvalidState, "save transcription", fmt.Errorf("recording %d not found", recordingID))
		}
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts(recording_id, text, duration_ms, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET text=excluded.text, duration_ms=excluded.duration_ms, updated_at=excluded.updated_at`,
		recordingID, result.NormalizedText(), result.DurationMs, now); err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO segments(recording_id, start_ms, end_ms, text) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare segments: %w", err)
	}
	defer stmt.Close()
	for _, seg := range result.Segments {
		if _, err = stmt.ExecContext(ctx, recordingID, seg.StartMs, seg.EndMs, seg.Text); err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO summaries(recording_id, json, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET json=excluded.json, updated_at=excluded.updated_at`,
		recordingID, string(summaryJSON), now); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM transcript_fts WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("clear search row: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO transcript_fts(recording_id, transcript, segments, keywords, tags, participants)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RecordingID, entry.Transcript, entry.Segments, entry.Keywords, entry.Tags, entry.Participants); err != nil {
		return fmt.Errorf("insert search row: %w", err)
	}

	err = tx.Commit()
	return err
}

// BuildSearchEntry derives the search row from a transcription result and its
// summary document. A summary that is not a JSON object contributes nothing.
func BuildSearchEntry(recordingID int64, result transcript.Result, summaryJSON []byte) SearchEntry {
	var texts []string
	for _, seg := range result.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			texts = append(texts, t)
		}
	}

	var doc struct {
		Keywords     []json.RawMessage `json:"keywords"`
		Topics       []json.RawMessage `json:"topics"`
		Tags         []json.RawMessage `json:"tags"`
		Participants []json.RawMessage `json:"participants"`
		Actions      []json.RawMessage `json:"actions"`
	}
	_ = json.Unmarshal(summaryJSON, &doc)

	keywords := dedupe(append(stringValues(doc.Keywords, ""), stringValues(doc.Topics, "")...))
	participants := stringValues(doc.Participants, "name")
	participants = append(participants, stringValues(doc.Actions, "who")...)

	return SearchEntry{
		RecordingID:  recordingID,
		Transcript:   strings.TrimSpace(result.Text),
		Segments:     strings.Join(texts, "\n"),
		Keywords:     strings.Join(keywords, "\n"),
		Tags:         strings.Join(dedupe(stringValues(doc.Tags, "")), "\n"),
		Participants: strings.Join(dedupe(participants), "\n"),
	}
}

// stringValues reads each element either as a string or, when field is set,
// as an object carrying that string field. Anything else is skipped.
func stringValues(items []json.RawMessage, field string) []string {
	out := make([]string, 0, len(items))
	for _, raw := range items {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		if field == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if v, ok := obj[field].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Transcript returns the stored transcript text and duration of a recording.
// ok is false when the recording has not been transcribed.
func (s *Store) Transcript(ctx context.Context, recordingID int64) (text string, durationMs int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT text, duration_ms FROM transcripts WHERE recording_id = ?`, recordingID).Scan(&text, &durationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return text, durationMs, true, nil
}

// Segments returns the stored segments of a recording ordered by start time.
func (s *Store) Segments(ctx context.Context, recordingID int64) ([]transcript.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_ms, end_ms, text FROM segments WHERE recording_id = ? ORDER BY start_ms, id`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []transcript.Segment
	for rows.Next() {
		var seg transcript.Segment
		if err := rows.Scan(&seg.StartMs, &seg.EndMs, &seg.Text); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// Summary returns the stored summary document of a recording, or nil when
// there is none.
func (s *Store) Summary(ctx context.Context, recordingID int64) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM summaries WHERE recording_id = ?`, recordingID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// AllTags returns the distinct tags across every indexed recording, sorted.
func (s *Store) AllTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM transcript_fts WHERE tags != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return nil, err
		}
		all = append(all, strings.Split(tags, "\n")...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := dedupe(all)
	slices.Sort(out)
	return out, nil
}
