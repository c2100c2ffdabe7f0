// Package echofilter decides whether a transcript is the agent hearing itself.
package echofilter

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Config tunes echo detection.
type Config struct {
	// Window after synthesis start during which transcripts are compared
	// against the last agent utterance.
	Window time.Duration
	// Similarity is the token-overlap (Jaccard) threshold.
	Similarity float64
	// MinSubstringLen is the shortest candidate that counts as an echo when
	// it appears anywhere inside the agent's text.
	MinSubstringLen int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{Window: 4 * time.Second, Similarity: 0.65, MinSubstringLen: 12}
}

// Verdict is the outcome of a check.
type Verdict struct {
	Echo   bool
	Reason string
	Score  float64
}

// Filter compares candidate transcripts with the agent's last utterance.
type Filter struct {
	cfg Config
}

// New builds a Filter. Zero fields take the defaults.
func New(cfg Config) *Filter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Similarity <= 0 {
		cfg.Similarity = def.Similarity
	}
	if cfg.MinSubstringLen <= 0 {
		cfg.MinSubstringLen = def.MinSubstringLen
	}
	return &Filter{cfg: cfg}
}

// Check classifies candidate. sinceSynthesis is the time elapsed since the
// last synthesis started; a negative value means nothing was ever spoken.
func (f *Filter) Check(candidate, lastAgent string, sinceSynthesis time.Duration) Verdict {
	if sinceSynthesis < 0 || sinceSynthesis > f.cfg.Window {
		return Verdict{Reason: "outside window"}
	}
	a := Normalize(candidate)
	b := Normalize(lastAgent)
	if a == "" || b == "" {
		return Verdict{Reason: "nothing to compare"}
	}
	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		return Verdict{Echo: true, Reason: "prefix", Score: 1}
	}
	if utf8.RuneCountInString(a) >= f.cfg.MinSubstringLen && strings.Contains(b, a) {
		return Verdict{Echo: true, Reason: "substring", Score: 1}
	}
	score := jaccard(a, b)
	if score >= f.cfg.Similarity {
		return Verdict{Echo: true, Reason: "overlap", Score: score}
	}
	return Verdict{Reason: "distinct", Score: score}
}

// Normalize lowercases s, strips anything that is not a letter, digit or
// whitespace, and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func jaccard(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		out[t] = struct{}{}
	}
	return out
}
