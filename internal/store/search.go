package store

import (
	"context"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// FilterFields are the search row columns a query may filter on.
var FilterFields = []string{"tags", "participants", "keywords"}

// Filter restricts a search to rows whose Field column contains Value.
type Filter struct {
	Field string
	Value string
}

// Query is a parsed search: every term and every filter must match.
type Query struct {
	Terms   []string
	Filters []Filter
}

// Empty reports whether the query has nothing to match.
func (q Query) Empty() bool { return len(q.Terms) == 0 && len(q.Filters) == 0 }

// ParseQuery splits raw into free-text terms and field:"value" filters.
// Quoted phrases stay together. Input the shell grammar rejects, such as an
// unbalanced apostrophe or a bare '&', falls back to whitespace splitting.
func ParseQuery(raw string) Query {
	parser := shellwords.NewParser()
	tokens, err := parser.Parse(raw)
	if err != nil || parser.Position >= 0 {
		tokens = strings.Fields(raw)
	}
	var q Query
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if f, ok := parseFilter(tok); ok {
			q.Filters = append(q.Filters, f)
			continue
		}
		q.Terms = append(q.Terms, tok)
	}
	return q
}

func parseFilter(tok string) (Filter, bool) {
	field, value, ok := strings.Cut(tok, ":")
	if !ok {
		return Filter{}, false
	}
	field = strings.ToLower(field)
	for _, known := range FilterFields {
		if field == known {
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if value == "" {
				return Filter{}, false
			}
			return Filter{Field: field, Value: value}, true
		}
	}
	return Filter{}, false
}

// textColumns are the columns free-text terms are matched against; the
// summary-derived columns are reachable only through filters.
const textColumns = "{transcript segments}"

// BuildMatch renders q as an FTS5 MATCH expression. Terms are quoted
// individually and scoped to the transcript and segments, filters become
// column-scoped phrases and every clause is AND-combined. Embedded quotes
// are doubled.
func BuildMatch(q Query) string {
	clauses := make([]string, 0, len(q.Terms)+len(q.Filters))
	for _, term := range q.Terms {
		clauses = append(clauses, textColumns+" : "+quote(term))
	}
	for _, f := range q.Filters {
		clauses = append(clauses, f.Field+":"+quote(f.Value))
	}
	return strings.Join(clauses, " AND ")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Hit is a ranked search result. Lower Score is more relevant.
type Hit struct {
	Recording Recording
	Snippet   string
	Score     float64
}

// Search runs raw against the full-text index. An empty query returns no
// hits. A non-positive limit defaults to 50.
func (s *Store) Search(ctx context.Context, raw string, limit int) ([]Hit, error) {
	q := ParseQuery(raw)
	if q.Empty() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.file_path, r.created_at, r.duration_ms,
		        snippet(transcript_fts, -1, '[', ']', '…', 12),
		        bm25(transcript_fts)
		 FROM transcript_fts
		 JOIN recordings r ON r.id = transcript_fts.recording_id
		 WHERE transcript_fts MATCH ?
		 ORDER BY bm25(transcript_fts), r.created_at DESC
		 LIMIT ?`, BuildMatch(q), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var created int64
		if err := rows.Scan(&h.Recording.ID, &h.Recording.FilePath, &created, &h.Recording.DurationMs, &h.Snippet, &h.Score); err != nil {
			return nil, err
		}
		h.Recording.CreatedAt = time.UnixMilli(created)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
