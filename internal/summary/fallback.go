package summary

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxTitleRunes   = 120
	maxContextRunes = 320
	maxBullets      = 5
	maxKeywords     = 12
	maxTopics       = 5
	maxParticipants = 5
	maxCitations    = 2
	minSentence     = 10
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		dans pour avec vous nous mais elles ils ceci cela cest sont plus alors comme avoir
		être quoi tout aussi leur leurs dont chez entre ainsi cette plusieurs moins tous
		this that with have from your about there will their they them been were when what
		where which than then into over after before because while should could would these those
		here onto ours ourselves hers herself himself yourself`) {
		stopWords[w] = struct{}{}
	}
}

// Fallback builds a summary from text alone. The result always passes
// Validate.
func Fallback(text string, durationMs int64) StructuredSummary {
	if durationMs < 0 {
		durationMs = 0
	}
	clean := strings.TrimSpace(text)
	bullets := sentences(clean, maxBullets)
	keywords := topWords(clean, maxKeywords)
	topics := keywords[:min(len(keywords), maxTopics)]
	people := participants(clean)

	first := func(def string) string {
		if len(people) > 0 {
			return people[0]
		}
		return def
	}

	s := StructuredSummary{
		Title:        title(clean),
		Summary:      Section{Context: contextOf(clean), Bullets: bullets},
		Actions:      []Action{},
		Decisions:    []Decision{},
		Citations:    []Citation{},
		Sentiments:   []Sentiment{{Target: "général", Value: "neutre", Score: 0}},
		Participants: make([]Participant, 0, len(people)),
		Tags:         append([]string{}, topics...),
		Keywords:     keywords,
		Topics:       append([]string{}, topics...),
		Timings: []Timing{
			{Label: "Introduction", StartMs: 0, EndMs: min(durationMs, 120_000)},
			{Label: "Clôture", StartMs: min(durationMs, max(durationMs-120_000, 0)), EndMs: durationMs},
		},
		DurationMs: durationMs,
	}
	if s.Summary.Context == "" {
		s.Summary.Context = s.Title
	}
	if len(bullets) > 0 {
		s.Actions = append(s.Actions, Action{
			Who:             first("Équipe"),
			What:            bullets[0],
			Priority:        "moyenne",
			Status:          "à confirmer",
			Confidence:      0.2,
			RelatedSegments: []SegmentRef{},
		})
	}
	if len(bullets) > 1 {
		s.Decisions = append(s.Decisions, Decision{
			Description: bullets[1],
			Owner:       first("Groupe"),
			Confidence:  0.2,
		})
	}
	for _, quote := range sentences(clean, maxCitations) {
		s.Citations = append(s.Citations, Citation{
			Quote:   quote,
			Speaker: first("Intervenant"),
			EndMs:   min(durationMs, 30_000),
		})
	}
	for _, name := range people {
		s.Participants = append(s.Participants, Participant{Name: name, Role: "participant"})
	}
	return s
}

func title(text string) string {
	if s := sentences(text, 1); len(s) > 0 {
		return truncateRunes(s[0], maxTitleRunes)
	}
	return "Session audio"
}

func contextOf(text string) string {
	flat := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if utf8.RuneCountInString(flat) <= maxContextRunes {
		return flat
	}
	return truncateRunes(flat, maxContextRunes) + "…"
}

// sentences splits on terminal punctuation and newlines and keeps pieces
// longer than minSentence runes.
func sentences(text string, limit int) []string {
	out := []string{}
	if strings.TrimSpace(text) == "" {
		return out
	}
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	for _, p := range parts {
		if len(out) == limit {
			break
		}
		p = strings.TrimSpace(p)
		if utf8.RuneCountInString(p) > minSentence {
			out = append(out, p)
		}
	}
	return out
}

const accented = "àâçéèêëîïôûùüÿñæœ"

func keywordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		return true
	case r == ' ', r == '\t', r == '\n', r == '\v', r == '\f', r == '\r':
		return true
	}
	return strings.ContainsRune(accented, r)
}

// topWords ranks words by frequency, ties keeping first-seen order.
func topWords(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	normalized := strings.Map(func(r rune) rune {
		if keywordRune(r) {
			return r
		}
		return ' '
	}, strings.ToLower(text))

	counts := map[string]int{}
	order := []string{}
	for _, tok := range strings.Fields(normalized) {
		if utf8.RuneCountInString(tok) <= 3 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	slices.SortStableFunc(order, func(a, b string) int { return counts[b] - counts[a] })
	return order[:min(len(order), limit)]
}

const (
	nameInitials = "ÉÈÊÀÂÎÏÔÛÙ"
	nameLetters  = "àâçéèêëîïôûùüÿñœ"
)

// participants collects distinct capitalised words such as "Alice" or
// "Élodie".
func participants(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	out := []string{}
	for _, w := range words {
		if len(out) == maxParticipants {
			break
		}
		if utf8.RuneCountInString(w) <= 2 || !capitalised(w) || slices.Contains(out, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func capitalised(w string) bool {
	for i, r := range w {
		if i == 0 {
			if !(r >= 'A' && r <= 'Z') && !strings.ContainsRune(nameInitials, r) {
				return false
			}
			continue
		}
		if !(r >= 'a' && r <= 'z') && !strings.ContainsRune(nameLetters, r) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
