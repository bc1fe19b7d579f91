// Package dedup detects repeated assistant outputs. Models under retry
// pressure sometimes loop, emitting the same response (or a trivial
// rewording) over and over; the detector keeps a bounded sliding window
// of recent output fingerprints and checks each new candidate against it
// with a cascade of increasingly expensive methods, cheapest first.
//
// The window is process-local, per generation session state. It is a
// diagnostic quality gate, never correctness-critical: a missed
// duplicate costs politeness, not data.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"unicode"

	"github.com/lbds137/tzurot-sub012/internal/embeddings"
)

// Method identifies which cascade stage flagged a duplicate.
type Method string

const (
	// MethodNone means no stage flagged the candidate.
	MethodNone Method = "none"
	// MethodExactHash is normalized-content hash equality.
	MethodExactHash Method = "exact_hash"
	// MethodWordJaccard is word-set overlap above threshold.
	MethodWordJaccard Method = "word_jaccard"
	// MethodSimilarity is lexical (edit-distance ratio) similarity.
	MethodSimilarity Method = "similarity"
	// MethodEmbedding is embedding cosine similarity.
	MethodEmbedding Method = "semantic_embedding"
)

// CheckResult is the outcome of one duplicate check. MaxSimilarity and
// MaxSimilarityIndex are diagnostics reflecting the strongest signal
// across every method attempted, not just the one that fired.
type CheckResult struct {
	IsDuplicate        bool
	MatchIndex         int // position in the window, most-recent-first; -1 when no match
	Method             Method
	MaxSimilarity      float64
	MaxSimilarityIndex int // -1 when the window is empty
}

// Embedder is the slice of the embedding client the detector needs.
// A nil Embedder disables the semantic stage entirely.
type Embedder interface {
	Ready(ctx context.Context) bool
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	// WindowSize bounds the sliding window (default 10).
	WindowSize int
	// JaccardThreshold flags a duplicate on word-set overlap (default 0.85).
	JaccardThreshold float64
	// SimilarityThreshold flags a duplicate on lexical similarity (default 0.92).
	SimilarityThreshold float64
	// EmbeddingThreshold flags a duplicate on cosine similarity (default 0.95).
	EmbeddingThreshold float64
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.JaccardThreshold <= 0 {
		c.JaccardThreshold = 0.85
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.92
	}
	if c.EmbeddingThreshold <= 0 {
		c.EmbeddingThreshold = 0.95
	}
	return c
}

// fingerprint is one stored assistant output. The embedding is optional;
// it is present only when the embedding service was ready at record time.
type fingerprint struct {
	hash       string
	normalized string
	words      map[string]struct{}
	embedding  []float32
}

// Detector holds the sliding window for one generation session. It is
// not safe for concurrent use; each job owns its detector.
type Detector struct {
	cfg      Config
	embedder Embedder
	logger   *slog.Logger
	window   []fingerprint // most-recent-first
}

// NewDetector creates a detector with an empty window.
func NewDetector(cfg Config, embedder Embedder, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		embedder: embedder,
		logger:   logger.With("component", "dedup"),
	}
}

// Record adds an assistant output to the window, evicting the oldest
// entry past capacity. The embedding is computed best-effort: an
// unavailable service degrades the semantic stage, nothing more.
func (d *Detector) Record(ctx context.Context, content string) {
	fp := newFingerprint(content)

	if d.embedder != nil && d.embedder.Ready(ctx) {
		vec, err := d.embedder.Generate(ctx, content)
		if err != nil {
			d.logger.Debug("embedding for dedup window failed", "error", err)
		} else {
			fp.embedding = vec
		}
	}

	d.window = append([]fingerprint{fp}, d.window...)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[:d.cfg.WindowSize]
	}
}

// Len returns the current window size.
func (d *Detector) Len() int {
	return len(d.window)
}

// Check runs the detection cascade against the window.
//
// The lexical stages (hash, jaccard, edit-distance ratio) are cheap and
// always run across the whole window so MaxSimilarity reflects the
// strongest signal found even when an earlier stage already fired. The
// embedding stage costs a network call and is skipped once a lexical
// stage has flagged a duplicate — diagnostics stay accurate for the
// stages attempted, and latency is not spent confirming a known verdict.
func (d *Detector) Check(ctx context.Context, candidate string) CheckResult {
	result := CheckResult{MatchIndex: -1, Method: MethodNone, MaxSimilarityIndex: -1}
	if len(d.window) == 0 {
		return result
	}

	cand := newFingerprint(candidate)

	// Stage results, tracked separately so the cheapest winner is
	// reported even when a stronger signal appears at a later stage.
	hashIndex := -1
	jaccardIndex := -1
	similarityIndex := -1

	for i, fp := range d.window {
		if hashIndex < 0 && fp.hash == cand.hash {
			hashIndex = i
			result.trackSimilarity(1.0, i)
		}

		j := jaccard(cand.words, fp.words)
		result.trackSimilarity(j, i)
		if jaccardIndex < 0 && j >= d.cfg.JaccardThreshold {
			jaccardIndex = i
		}

		s := editSimilarity(cand.normalized, fp.normalized)
		result.trackSimilarity(s, i)
		if similarityIndex < 0 && s >= d.cfg.SimilarityThreshold {
			similarityIndex = i
		}
	}

	switch {
	case hashIndex >= 0:
		result.IsDuplicate = true
		result.Method = MethodExactHash
		result.MatchIndex = hashIndex
	case jaccardIndex >= 0:
		result.IsDuplicate = true
		result.Method = MethodWordJaccard
		result.MatchIndex = jaccardIndex
	case similarityIndex >= 0:
		result.IsDuplicate = true
		result.Method = MethodSimilarity
		result.MatchIndex = similarityIndex
	}

	if !result.IsDuplicate {
		d.checkEmbedding(ctx, candidate, &result)
	}

	return result
}

// checkEmbedding runs the semantic stage. Unavailability is silent
// degradation, never a failure.
func (d *Detector) checkEmbedding(ctx context.Context, candidate string, result *CheckResult) {
	if d.embedder == nil || !d.embedder.Ready(ctx) {
		return
	}

	candVec, err := d.embedder.Generate(ctx, candidate)
	if err != nil {
		d.logger.Debug("candidate embedding failed, skipping semantic check", "error", err)
		return
	}

	for i, fp := range d.window {
		if fp.embedding == nil {
			continue
		}
		sim := embeddings.CosineSimilarity(candVec, fp.embedding)
		result.trackSimilarity(sim, i)
		if !result.IsDuplicate && sim >= d.cfg.EmbeddingThreshold {
			result.IsDuplicate = true
			result.Method = MethodEmbedding
			result.MatchIndex = i
		}
	}
}

func (r *CheckResult) trackSimilarity(sim float64, index int) {
	if sim > r.MaxSimilarity || r.MaxSimilarityIndex < 0 {
		r.MaxSimilarity = sim
		r.MaxSimilarityIndex = index
	}
}

// newFingerprint normalizes content and derives its hash and word set.
func newFingerprint(content string) fingerprint {
	normalized := normalize(content)
	sum := sha256.Sum256([]byte(normalized))

	words := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		words[w] = struct{}{}
	}

	return fingerprint{
		hash:       hex.EncodeToString(sum[:]),
		normalized: normalized,
		words:      words,
	}
}

// normalize lowercases, drops punctuation, and collapses whitespace so
// trivial formatting differences do not defeat the hash stage.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
